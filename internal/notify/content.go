// Package notify defines the rendered notification content exchanged between
// source providers, the queue engine, and the delivery gateway.
package notify

import "encoding/json"

// Content is a fully-rendered notification. It is produced by a source
// provider, stored verbatim as the queued delivery payload, and handed to the
// gateway adapter at send time.
type Content struct {
	DeviceToken     string            `json:"deviceToken"`
	Title           string            `json:"title"`
	Body            string            `json:"body"`
	Category        string            `json:"category"`
	ExpirationHours int               `json:"expirationHours"`
	DeepLink        string            `json:"deepLink,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Critical        bool              `json:"critical,omitempty"`
}

// Encode serializes the content for storage as a queue row payload. The same
// bytes are read back at delivery time, so the encoding must be stable.
func (c *Content) Encode() (json.RawMessage, error) {
	return json.Marshal(c)
}

// Decode parses a stored payload back into content.
func Decode(raw json.RawMessage) (*Content, error) {
	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
