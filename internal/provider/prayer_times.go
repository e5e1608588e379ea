package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wikisubmission/ws-push-service/internal/db"
	"github.com/wikisubmission/ws-push-service/internal/notify"
	"github.com/wikisubmission/ws-push-service/internal/prayer"
)

// ScheduleSource fetches prayer schedules for a location.
type ScheduleSource interface {
	Fetch(ctx context.Context, location string, asrAdjustment bool) (*prayer.Schedule, error)
}

const (
	// Enqueue only when the upcoming prayer is due within this window.
	prayerDueWindow = 10 * time.Minute

	// When a group's next prayer is further out than this, stop re-querying
	// the schedule API for the group until shortly before the prayer.
	suppressionThreshold = 15 * time.Minute

	// How long before the prayer a suppressed group resumes being checked.
	suppressionLead = 12 * time.Minute

	prayerRecencyWindow = 1 * time.Hour
)

// PrayerTimesProvider serves the PRAYER_TIMES category. Recipients sharing a
// (location, asr adjustment) pair are grouped so the external schedule API is
// queried once per group, and groups whose next prayer is far away are
// suppressed until shortly before it. Rows are pre-scheduled at the exact UTC
// prayer instant; content is re-rendered at send time so the countdown in the
// title is fresh.
type PrayerTimesProvider struct {
	queue      QueueStore
	recipients RecipientStore
	schedules  ScheduleSource
	logger     *zap.Logger

	mu        sync.Mutex
	nextCheck map[string]time.Time
}

// NewPrayerTimes returns the prayer times provider.
func NewPrayerTimes(queue QueueStore, recipients RecipientStore, schedules ScheduleSource, logger *zap.Logger) *PrayerTimesProvider {
	return &PrayerTimesProvider{
		queue:      queue,
		recipients: recipients,
		schedules:  schedules,
		logger:     logger,
		nextCheck:  make(map[string]time.Time),
	}
}

// Category returns the category this provider serves.
func (p *PrayerTimesProvider) Category() string { return db.CategoryPrayerTimes }

// EnqueueInterval returns the spacing of the enqueue loop. Prayer times are
// time-critical, so the loop runs tightly; the per-group suppression keeps
// actual API traffic near one call per prayer transition per group.
func (p *PrayerTimesProvider) EnqueueInterval() time.Duration { return 30 * time.Second }

// SweepInterval returns the spacing of the queue sweep for this category.
func (p *PrayerTimesProvider) SweepInterval() time.Duration { return time.Minute }

type prayerGroup struct {
	location      string
	asrAdjustment bool
	members       []*db.PrayerRecipient
}

// RefreshQueue groups eligible recipients by schedule key, fetches each
// group's schedule once, and enqueues a pre-scheduled delivery for every
// member due within the prayer window.
func (p *PrayerTimesProvider) RefreshQueue(ctx context.Context) error {
	recipients, err := p.recipients.ListPrayerRecipients(ctx)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}

	groups := make(map[string]*prayerGroup)
	var order []string
	for _, r := range recipients {
		key := groupKey(r.Registration.Location, r.Registration.AsrAdjustment)
		g, ok := groups[key]
		if !ok {
			g = &prayerGroup{
				location:      r.Registration.Location,
				asrAdjustment: r.Registration.AsrAdjustment,
			}
			groups[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, r)
	}

	for _, key := range order {
		group := groups[key]

		if p.suppressed(key) {
			continue
		}

		schedule, err := p.schedules.Fetch(ctx, group.location, group.asrAdjustment)
		if err != nil {
			p.logger.Warn("failed to fetch schedule",
				zap.Error(err),
				zap.String("location", group.location),
			)
			continue
		}

		upcomingAt, hasInstant := schedule.UpcomingUTC()
		if hasInstant {
			if until := time.Until(upcomingAt); until > suppressionThreshold {
				p.suppress(key, upcomingAt.Add(-suppressionLead))
				continue
			}
		}

		p.enqueueGroup(ctx, group, schedule, upcomingAt, hasInstant)
	}

	return nil
}

func (p *PrayerTimesProvider) enqueueGroup(ctx context.Context, group *prayerGroup, schedule *prayer.Schedule, upcomingAt time.Time, hasInstant bool) {
	for _, recipient := range group.members {
		skip, err := alreadyQueuedOrRecent(ctx, p.queue, recipient.DeviceToken, db.CategoryPrayerTimes, prayerRecencyWindow)
		if err != nil {
			p.logger.Error("dedup check failed", zap.Error(err))
			continue
		}
		if skip {
			continue
		}

		// The notification announces the upcoming prayer; honor that
		// prayer's opt-out toggle.
		if !recipient.Registration.PrayerEnabled(schedule.UpcomingPrayer) {
			continue
		}

		if hasInstant && time.Until(upcomingAt) > prayerDueWindow {
			continue
		}

		content := renderSchedule(recipient.DeviceToken, schedule)
		payload, err := content.Encode()
		if err != nil {
			p.logger.Error("failed to encode payload", zap.Error(err))
			continue
		}

		scheduledTime := time.Now()
		if hasInstant && upcomingAt.After(scheduledTime) {
			scheduledTime = upcomingAt
		}

		delivery := &db.QueuedDelivery{
			ID:            uuid.New(),
			DeviceToken:   recipient.DeviceToken,
			Category:      db.CategoryPrayerTimes,
			Status:        db.StatusPending,
			ScheduledTime: scheduledTime,
			Payload:       payload,
		}
		if err := p.queue.CreateDelivery(ctx, delivery); err != nil {
			p.logger.Error("failed to enqueue delivery",
				zap.Error(err),
				zap.String("location", group.location),
			)
		}
	}
}

// Payload re-renders content at send time so the countdown reflects the
// actual delivery moment. If the schedule source is unreachable the frozen
// enqueue-time payload is used instead; it was rendered within the due
// window and is close enough.
func (p *PrayerTimesProvider) Payload(ctx context.Context, item *db.QueuedDelivery) (*notify.Content, error) {
	registration, err := p.recipients.GetPrayerRegistration(ctx, item.DeviceToken)
	if err != nil {
		return nil, err
	}
	if registration == nil || registration.Location == "" {
		return nil, fmt.Errorf("device %s has no prayer registration", item.ID)
	}

	schedule, err := p.schedules.Fetch(ctx, registration.Location, registration.AsrAdjustment)
	if err != nil {
		if len(item.Payload) > 0 {
			p.logger.Warn("schedule refetch failed, sending frozen payload",
				zap.Error(err),
				zap.String("delivery_id", item.ID.String()),
			)
			return notify.Decode(item.Payload)
		}
		return nil, err
	}

	return renderSchedule(item.DeviceToken, schedule), nil
}

// ShouldCancel reports whether a pending row must be cancelled: the recipient
// is gone, globally disabled, has no prayer registration, disabled it, or
// lost its location.
func (p *PrayerTimesProvider) ShouldCancel(ctx context.Context, item *db.QueuedDelivery) (bool, error) {
	recipient, err := p.recipients.GetRecipient(ctx, item.DeviceToken)
	if err != nil {
		return false, err
	}
	if recipient == nil || !recipient.Enabled {
		return true, nil
	}

	registration, err := p.recipients.GetPrayerRegistration(ctx, item.DeviceToken)
	if err != nil {
		return false, err
	}
	return registration == nil || !registration.Enabled || registration.Location == "", nil
}

// Render produces fresh content for the force-send path.
func (p *PrayerTimesProvider) Render(ctx context.Context, deviceToken string) (*notify.Content, error) {
	recipient, err := p.recipients.GetRecipient(ctx, deviceToken)
	if err != nil {
		return nil, err
	}
	if recipient == nil || !recipient.Enabled {
		return nil, fmt.Errorf("%w: device not registered or disabled", ErrNotEligible)
	}

	registration, err := p.recipients.GetPrayerRegistration(ctx, deviceToken)
	if err != nil {
		return nil, err
	}
	if registration == nil || !registration.Enabled {
		return nil, fmt.Errorf("%w: prayer time notifications disabled", ErrNotEligible)
	}
	if registration.Location == "" {
		return nil, fmt.Errorf("%w: no location configured", ErrNotEligible)
	}

	schedule, err := p.schedules.Fetch(ctx, registration.Location, registration.AsrAdjustment)
	if err != nil {
		return nil, err
	}

	return renderSchedule(deviceToken, schedule), nil
}

func (p *PrayerTimesProvider) suppressed(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.nextCheck[key]
	if !ok {
		return false
	}
	if time.Now().Before(until) {
		return true
	}
	delete(p.nextCheck, key)
	return false
}

func (p *PrayerTimesProvider) suppress(key string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCheck[key] = until
}

func groupKey(location string, asrAdjustment bool) string {
	return fmt.Sprintf("%s_%t", location, asrAdjustment)
}

func renderSchedule(deviceToken string, schedule *prayer.Schedule) *notify.Content {
	content := &notify.Content{
		DeviceToken:     deviceToken,
		Category:        db.CategoryPrayerTimes,
		DeepLink:        "wikisubmission://prayer-times",
		ExpirationHours: 5,
	}

	upcoming := schedule.UpcomingPrayer
	if upcoming == "sunrise" {
		content.Title = fmt.Sprintf("%s till sunrise", schedule.TimesLeft["sunrise"])
		content.Body = fmt.Sprintf("Fajr ends at %s", schedule.Times["sunrise"])
		return content
	}

	prefix := ""
	if upcoming == "dhuhr" && schedule.IsFriday() {
		prefix = "Happy Friday! "
	}

	content.Title = fmt.Sprintf("%s%s till %s prayer",
		prefix, schedule.UpcomingPrayerTimeLeft, prayer.EnglishName(upcoming))
	content.Body = fmt.Sprintf("%s starts at %s", capitalize(upcoming), schedule.Times[upcoming])
	return content
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
