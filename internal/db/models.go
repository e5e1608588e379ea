package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueuedDelivery is one scheduled-or-attempted notification. Rows are never
// deleted; terminal statuses form an append-only delivery ledger that the
// enqueue loops consult for dedup and recency checks.
type QueuedDelivery struct {
	ID            uuid.UUID       `json:"id"`
	DeviceToken   string          `json:"device_token"`
	Category      string          `json:"category"`
	Status        string          `json:"status"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	APITriggered  bool            `json:"api_triggered"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Delivery status values. PENDING is the only non-terminal status; the queue
// engine exclusively owns the transition out of it.
const (
	StatusPending   = "DELIVERY_PENDING"
	StatusSucceeded = "DELIVERY_SUCCEEDED"
	StatusFailed    = "DELIVERY_FAILED"
	StatusMissed    = "DELIVERY_MISSED"
	StatusCancelled = "DELIVERY_CANCELLED"
)

// Notification categories.
const (
	CategoryPrayerTimes   = "PRAYER_TIMES"
	CategoryDailyVerse    = "DAILY_VERSE"
	CategoryRandomVerse   = "RANDOM_VERSE"
	CategoryAnnouncements = "ANNOUNCEMENTS"
)

// ValidCategory reports whether s is a known notification category.
func ValidCategory(s string) bool {
	switch s {
	case CategoryPrayerTimes, CategoryDailyVerse, CategoryRandomVerse, CategoryAnnouncements:
		return true
	}
	return false
}

// TerminalStatus reports whether a delivery status is terminal.
func TerminalStatus(s string) bool {
	return s != StatusPending
}

// Recipient is a registered device token plus its global opt-in state.
// The sandbox flag records the last APNs environment known to work for the
// device ("sticky environment").
type Recipient struct {
	DeviceToken string    `json:"device_token"`
	Enabled     bool      `json:"enabled"`
	IsSandbox   bool      `json:"is_sandbox"`
	CreatedAt   time.Time `json:"created_at"`
}

// PrayerTimesRegistration holds per-device prayer notification preferences.
// Location is a geocodable string used as the key into the external schedule
// source. The six booleans are per-prayer opt-in toggles.
type PrayerTimesRegistration struct {
	DeviceToken   string `json:"device_token"`
	Enabled       bool   `json:"enabled"`
	Location      string `json:"location"`
	AsrAdjustment bool   `json:"asr_adjustment"`
	Dawn          bool   `json:"dawn"`
	Sunrise       bool   `json:"sunrise"`
	Noon          bool   `json:"noon"`
	Afternoon     bool   `json:"afternoon"`
	Sunset        bool   `json:"sunset"`
	Night         bool   `json:"night"`
}

// PrayerEnabled reports whether the registration opts in to the named prayer.
func (r *PrayerTimesRegistration) PrayerEnabled(prayer string) bool {
	switch prayer {
	case "fajr":
		return r.Dawn
	case "sunrise":
		return r.Sunrise
	case "dhuhr":
		return r.Noon
	case "asr":
		return r.Afternoon
	case "maghrib":
		return r.Sunset
	case "isha":
		return r.Night
	}
	return false
}

// PrayerRecipient joins a recipient with its prayer-times registration.
type PrayerRecipient struct {
	Recipient
	Registration PrayerTimesRegistration
}

// Verse is one scripture verse used as daily/random verse content.
type Verse struct {
	VerseID       string `json:"verse_id"`
	ChapterNumber int    `json:"chapter_number"`
	VerseNumber   int    `json:"verse_number"`
	ChapterTitle  string `json:"chapter_title"`
	TextEnglish   string `json:"text_english"`
}
