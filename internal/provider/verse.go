package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wikisubmission/ws-push-service/internal/db"
	"github.com/wikisubmission/ws-push-service/internal/notify"
)

// VerseSource supplies scripture content.
type VerseSource interface {
	RandomVerse(ctx context.Context) (*db.Verse, error)
}

// VerseProvider serves the DAILY_VERSE and RANDOM_VERSE categories. The two
// differ only in recency window, loop intervals, and title copy, so a single
// implementation backs both. Content is rendered at enqueue time and frozen
// into the row payload.
type VerseProvider struct {
	category   string
	queue      QueueStore
	recipients RecipientStore
	verses     VerseSource
	logger     *zap.Logger

	recencyWindow   time.Duration
	enqueueInterval time.Duration
	sweepInterval   time.Duration
	recipientDelay  time.Duration
}

// NewDailyVerse returns the daily verse provider: one verse per device per
// 24 hours.
func NewDailyVerse(queue QueueStore, recipients RecipientStore, verses VerseSource, logger *zap.Logger) *VerseProvider {
	return &VerseProvider{
		category:        db.CategoryDailyVerse,
		queue:           queue,
		recipients:      recipients,
		verses:          verses,
		logger:          logger,
		recencyWindow:   24 * time.Hour,
		enqueueInterval: 4 * time.Hour,
		sweepInterval:   5 * time.Minute,
		recipientDelay:  400 * time.Millisecond,
	}
}

// NewRandomVerse returns the random verse provider: one verse per device per
// 48 hours.
func NewRandomVerse(queue QueueStore, recipients RecipientStore, verses VerseSource, logger *zap.Logger) *VerseProvider {
	return &VerseProvider{
		category:        db.CategoryRandomVerse,
		queue:           queue,
		recipients:      recipients,
		verses:          verses,
		logger:          logger,
		recencyWindow:   48 * time.Hour,
		enqueueInterval: 2 * time.Hour,
		sweepInterval:   5 * time.Minute,
		recipientDelay:  400 * time.Millisecond,
	}
}

// Category returns the category this provider serves.
func (p *VerseProvider) Category() string { return p.category }

// EnqueueInterval returns the spacing of the enqueue loop.
func (p *VerseProvider) EnqueueInterval() time.Duration { return p.enqueueInterval }

// SweepInterval returns the spacing of the queue sweep for this category.
func (p *VerseProvider) SweepInterval() time.Duration { return p.sweepInterval }

// RefreshQueue enqueues one pending verse delivery for every eligible
// recipient that is not already queued or inside the recency window.
func (p *VerseProvider) RefreshQueue(ctx context.Context) error {
	recipients, err := p.recipients.ListVerseRecipients(ctx, p.category)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}

	for _, recipient := range recipients {
		skip, err := alreadyQueuedOrRecent(ctx, p.queue, recipient.DeviceToken, p.category, p.recencyWindow)
		if err != nil {
			p.logger.Error("dedup check failed",
				zap.Error(err),
				zap.String("category", p.category),
			)
			continue
		}
		if skip {
			continue
		}

		content, err := p.render(ctx, recipient.DeviceToken)
		if err != nil {
			p.logger.Warn("no verse content available",
				zap.Error(err),
				zap.String("category", p.category),
			)
			continue
		}

		payload, err := content.Encode()
		if err != nil {
			p.logger.Error("failed to encode payload", zap.Error(err))
			continue
		}

		delivery := &db.QueuedDelivery{
			ID:            uuid.New(),
			DeviceToken:   recipient.DeviceToken,
			Category:      p.category,
			Status:        db.StatusPending,
			ScheduledTime: time.Now(),
			Payload:       payload,
		}
		if err := p.queue.CreateDelivery(ctx, delivery); err != nil {
			p.logger.Error("failed to enqueue delivery",
				zap.Error(err),
				zap.String("category", p.category),
			)
		}

		if err := sleep(ctx, p.recipientDelay); err != nil {
			return err
		}
	}

	return nil
}

// Payload returns the frozen content rendered at enqueue time.
func (p *VerseProvider) Payload(ctx context.Context, item *db.QueuedDelivery) (*notify.Content, error) {
	if len(item.Payload) == 0 {
		return nil, fmt.Errorf("delivery %s has no payload", item.ID)
	}
	return notify.Decode(item.Payload)
}

// ShouldCancel reports whether a pending row must be cancelled because the
// recipient has opted out since it was queued.
func (p *VerseProvider) ShouldCancel(ctx context.Context, item *db.QueuedDelivery) (bool, error) {
	recipient, err := p.recipients.GetRecipient(ctx, item.DeviceToken)
	if err != nil {
		return false, err
	}
	if recipient == nil || !recipient.Enabled {
		return true, nil
	}

	enabled, err := p.recipients.VerseRegistrationEnabled(ctx, item.DeviceToken, p.category)
	if err != nil {
		return false, err
	}
	return !enabled, nil
}

// Render produces fresh content for the force-send path after verifying the
// device is eligible for this category.
func (p *VerseProvider) Render(ctx context.Context, deviceToken string) (*notify.Content, error) {
	recipient, err := p.recipients.GetRecipient(ctx, deviceToken)
	if err != nil {
		return nil, err
	}
	if recipient == nil || !recipient.Enabled {
		return nil, fmt.Errorf("%w: device not registered or disabled", ErrNotEligible)
	}

	enabled, err := p.recipients.VerseRegistrationEnabled(ctx, deviceToken, p.category)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fmt.Errorf("%w: %s notifications disabled", ErrNotEligible, p.category)
	}

	return p.render(ctx, deviceToken)
}

func (p *VerseProvider) render(ctx context.Context, deviceToken string) (*notify.Content, error) {
	verse, err := p.verses.RandomVerse(ctx)
	if err != nil {
		return nil, err
	}
	if verse == nil {
		return nil, fmt.Errorf("no verse available")
	}

	title := "Daily Verse"
	if p.category == db.CategoryRandomVerse {
		title = fmt.Sprintf("Sura %d, %s", verse.ChapterNumber, verse.ChapterTitle)
	}

	return &notify.Content{
		DeviceToken:     deviceToken,
		Title:           title,
		Body:            fmt.Sprintf("[%s] %s", verse.VerseID, verse.TextEnglish),
		Category:        p.category,
		DeepLink:        "wikisubmission://quran/verse/" + verse.VerseID,
		ExpirationHours: 4,
		Metadata: map[string]string{
			"verse_id": verse.VerseID,
		},
	}, nil
}
