// Package provider implements the per-category notification sources: each
// provider decides who is currently eligible for a notification, renders its
// content, and enqueues pending deliveries for the queue engine to dispatch.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/wikisubmission/ws-push-service/internal/db"
)

// ErrNotEligible is returned by the force-send render path when the recipient
// is missing, disabled, or lacks a required registration. Eligibility
// failures are never retried.
var ErrNotEligible = errors.New("recipient not eligible")

// QueueStore is the slice of the queue repository providers write through.
// Providers only ever create rows; status transitions belong to the engine.
type QueueStore interface {
	CreateDelivery(ctx context.Context, d *db.QueuedDelivery) error
	LatestDelivery(ctx context.Context, deviceToken, category string, statuses []string) (*db.QueuedDelivery, error)
}

// RecipientStore is the registration state providers read to evaluate
// eligibility.
type RecipientStore interface {
	GetRecipient(ctx context.Context, deviceToken string) (*db.Recipient, error)
	GetPrayerRegistration(ctx context.Context, deviceToken string) (*db.PrayerTimesRegistration, error)
	ListPrayerRecipients(ctx context.Context) ([]*db.PrayerRecipient, error)
	ListVerseRecipients(ctx context.Context, category string) ([]*db.Recipient, error)
	VerseRegistrationEnabled(ctx context.Context, deviceToken, category string) (bool, error)
}

// dedupStatuses are the statuses consulted by the enqueue-time dedup check:
// an existing PENDING row means already queued, a recent SUCCEEDED row means
// notified too recently. Rows created by the HTTP trigger surface count.
var dedupStatuses = []string{db.StatusPending, db.StatusSucceeded}

// alreadyQueuedOrRecent applies the shared dedup check for one
// (device, category) pair against a recency window.
func alreadyQueuedOrRecent(ctx context.Context, queue QueueStore, deviceToken, category string, window time.Duration) (bool, error) {
	existing, err := queue.LatestDelivery(ctx, deviceToken, category, dedupStatuses)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if existing.Status == db.StatusPending {
		return true, nil
	}
	return time.Since(db.RecentActivityCutoff(existing)) < window, nil
}

// sleep pauses between recipients to avoid bursting the datastore and the
// external content sources, returning early if the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
