package apns

import (
	"errors"
	"fmt"
)

// Error is a structured rejection from the push gateway: the HTTP status and
// the reason string from the response body.
type Error struct {
	StatusCode int
	Reason     string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("apns rejected request: status %d, reason %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("apns rejected request: status %d", e.StatusCode)
}

// Reasons that mean the device token will never deliver again. Any other
// reason (throttling, internal errors, timeouts) is transient: the row is
// marked failed and a later enqueue cycle may try again with a fresh row.
var permanentReasons = map[string]bool{
	"BadDeviceToken":         true, // token is malformed or for another environment
	"Unregistered":           true, // token is inactive for the topic
	"DeviceTokenNotForTopic": true, // token does not match the app bundle
	"TopicDisallowed":        true, // pushing to this topic is not allowed
}

// Permanent reports whether the rejection means the device token is dead.
func (e *Error) Permanent() bool {
	return permanentReasons[e.Reason]
}

// IsPermanent reports whether err carries a permanent gateway rejection.
func IsPermanent(err error) bool {
	var apnsErr *Error
	return errors.As(err, &apnsErr) && apnsErr.Permanent()
}
