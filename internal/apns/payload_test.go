package apns

import (
	"testing"

	"github.com/wikisubmission/ws-push-service/internal/db"
	"github.com/wikisubmission/ws-push-service/internal/notify"
)

func TestBuildPayload_Standard(t *testing.T) {
	payload := buildPayload(&notify.Content{
		DeviceToken: "abc123",
		Title:       "Daily Verse",
		Body:        "[1:1] In the name of God, Most Gracious, Most Merciful.",
		Category:    db.CategoryDailyVerse,
		DeepLink:    "wikisubmission://quran/verse/1:1",
		Metadata:    map[string]string{"verse_id": "1:1"},
	})

	aps, ok := payload["aps"].(map[string]any)
	if !ok {
		t.Fatal("expected aps dictionary")
	}
	alert, ok := aps["alert"].(map[string]any)
	if !ok {
		t.Fatal("expected alert dictionary")
	}
	if alert["title"] != "Daily Verse" {
		t.Errorf("unexpected title: %v", alert["title"])
	}
	if aps["thread-id"] != "DAILY-VERSE" {
		t.Errorf("expected underscores swapped for hyphens in thread-id, got %v", aps["thread-id"])
	}
	if aps["interruption-level"] != "time-sensitive" {
		t.Errorf("unexpected interruption level: %v", aps["interruption-level"])
	}
	if aps["sound"] != "default" {
		t.Errorf("expected plain default sound, got %v", aps["sound"])
	}
	if payload["deepLink"] != "wikisubmission://quran/verse/1:1" || payload["url"] != "wikisubmission://quran/verse/1:1" {
		t.Errorf("expected deep link under both keys, got %v / %v", payload["deepLink"], payload["url"])
	}
	if payload["verse_id"] != "1:1" {
		t.Errorf("expected metadata flattened into the payload, got %v", payload["verse_id"])
	}
}

func TestBuildPayload_Critical(t *testing.T) {
	payload := buildPayload(&notify.Content{
		DeviceToken: "abc123",
		Title:       "5m till noon prayer",
		Body:        "Dhuhr starts at 1:00 PM",
		Category:    db.CategoryPrayerTimes,
		Critical:    true,
	})

	aps := payload["aps"].(map[string]any)
	if aps["interruption-level"] != "critical" {
		t.Errorf("unexpected interruption level: %v", aps["interruption-level"])
	}
	sound, ok := aps["sound"].(map[string]any)
	if !ok {
		t.Fatalf("expected critical sound dictionary, got %v", aps["sound"])
	}
	if sound["critical"] != 1 || sound["name"] != "default" {
		t.Errorf("unexpected critical sound: %v", sound)
	}
	if _, ok := payload["deepLink"]; ok {
		t.Error("expected no deep link keys when content has none")
	}
}

func TestExpirationHours(t *testing.T) {
	if got := expirationHours(&notify.Content{ExpirationHours: 4}); got != 4 {
		t.Errorf("expected explicit expiration, got %d", got)
	}
	if got := expirationHours(&notify.Content{}); got != defaultExpirationHours {
		t.Errorf("expected default expiration, got %d", got)
	}
}
