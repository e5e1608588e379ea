// Package prayer fetches prayer schedules from the external prayer-times
// HTTP API. The API is keyed by a free-form location string and is treated as
// best-effort; callers cache results via next-check suppression rather than
// re-querying per recipient.
package prayer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/wikisubmission/ws-push-service/internal/metrics"
)

// DefaultBaseURL is the production schedule endpoint.
const DefaultBaseURL = "https://practices.wikisubmission.org/prayer-times/"

// Schedule is the API response for one location: today's prayer instants in
// local time and UTC, plus human-readable countdowns.
type Schedule struct {
	CurrentPrayer            string            `json:"current_prayer"`
	CurrentPrayerTimeElapsed string            `json:"current_prayer_time_elapsed"`
	UpcomingPrayer           string            `json:"upcoming_prayer"`
	UpcomingPrayerTimeLeft   string            `json:"upcoming_prayer_time_left"`
	LocalTimezoneID          string            `json:"local_timezone_id,omitempty"`
	Times                    map[string]string `json:"times"`
	TimesInUTC               map[string]string `json:"times_in_utc"`
	TimesLeft                map[string]string `json:"times_left"`
}

// UpcomingUTC returns the absolute UTC instant of the upcoming prayer, or
// false if the schedule does not carry a parseable timestamp for it.
func (s *Schedule) UpcomingUTC() (time.Time, bool) {
	raw, ok := s.TimesInUTC[s.UpcomingPrayer]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsFriday reports whether the schedule's day, in the location's timezone, is
// a Friday. Keyed off the fajr instant so the answer is stable for the whole
// prayer day.
func (s *Schedule) IsFriday() bool {
	raw, ok := s.TimesInUTC["fajr"]
	if !ok {
		return false
	}
	fajr, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}

	loc := time.UTC
	if s.LocalTimezoneID != "" {
		if l, err := time.LoadLocation(s.LocalTimezoneID); err == nil {
			loc = l
		}
	}

	return fajr.In(loc).Weekday() == time.Friday
}

// Client is an HTTP client for the schedule API.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewClient creates a schedule API client. baseURL may be empty to use the
// production endpoint.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// Fetch retrieves the schedule for a location. asrAdjustment selects the
// midpoint calculation method for the afternoon prayer.
func (c *Client) Fetch(ctx context.Context, location string, asrAdjustment bool) (*Schedule, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse schedule url: %w", err)
	}

	q := u.Query()
	q.Set("q", location)
	if asrAdjustment {
		q.Set("asr_adjustment", "true")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create schedule request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.RecordScheduleFetch("error")
		return nil, fmt.Errorf("fetch schedule: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordScheduleFetch("error")
		return nil, fmt.Errorf("schedule request returned status %d for %q", resp.StatusCode, location)
	}

	var schedule Schedule
	if err := json.NewDecoder(resp.Body).Decode(&schedule); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}

	if schedule.UpcomingPrayer == "" || len(schedule.Times) == 0 {
		metrics.RecordScheduleFetch("invalid")
		return nil, fmt.Errorf("schedule for %q missing prayer times", location)
	}

	metrics.RecordScheduleFetch("ok")
	return &schedule, nil
}

// EnglishName maps an API prayer key to the English name used in
// notification copy.
func EnglishName(prayer string) string {
	switch prayer {
	case "fajr":
		return "dawn"
	case "sunrise":
		return "sunrise"
	case "dhuhr":
		return "noon"
	case "asr":
		return "afternoon"
	case "maghrib", "sunset":
		return "sunset"
	case "isha":
		return "night"
	}
	return prayer
}
