package apns

import (
	"strings"

	"github.com/wikisubmission/ws-push-service/internal/notify"
)

const defaultExpirationHours = 24

// buildPayload renders the JSON body for a gateway request. The deep link is
// duplicated under both keys the app has historically read it from.
func buildPayload(content *notify.Content) map[string]any {
	alert := map[string]any{
		"title": content.Title,
		"body":  content.Body,
	}

	aps := map[string]any{
		"alert":     alert,
		"category":  content.Category,
		"thread-id": strings.ReplaceAll(content.Category, "_", "-"),
	}

	if content.Critical {
		aps["interruption-level"] = "critical"
		aps["sound"] = map[string]any{
			"critical": 1,
			"name":     "default",
			"volume":   1.0,
		}
	} else {
		aps["interruption-level"] = "time-sensitive"
		aps["sound"] = "default"
	}

	payload := map[string]any{
		"aps":      aps,
		"category": content.Category,
	}

	if content.DeepLink != "" {
		payload["deepLink"] = content.DeepLink
		payload["url"] = content.DeepLink
	}

	for k, v := range content.Metadata {
		payload[k] = v
	}

	return payload
}

func expirationHours(content *notify.Content) int {
	if content.ExpirationHours > 0 {
		return content.ExpirationHours
	}
	return defaultExpirationHours
}
