// Package queue implements the delivery queue engine: the component that owns
// every status transition out of PENDING. Per-category enqueue loops fill the
// queue through the source providers, and per-category sweeps advance pending
// rows to a terminal state, driving the gateway adapter at the scheduled
// moment.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wikisubmission/ws-push-service/internal/db"
	"github.com/wikisubmission/ws-push-service/internal/metrics"
	"github.com/wikisubmission/ws-push-service/internal/notify"
)

// Provider is the per-category notification source the engine drives.
type Provider interface {
	Category() string
	RefreshQueue(ctx context.Context) error
	Payload(ctx context.Context, item *db.QueuedDelivery) (*notify.Content, error)
	ShouldCancel(ctx context.Context, item *db.QueuedDelivery) (bool, error)
	EnqueueInterval() time.Duration
	SweepInterval() time.Duration
}

// Store is the slice of the queue repository the engine needs.
type Store interface {
	ListDeliveriesByCategory(ctx context.Context, category string) ([]*db.QueuedDelivery, error)
	UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkDelivered(ctx context.Context, id uuid.UUID, payload json.RawMessage) error
}

// Sender delivers rendered content to a device.
type Sender interface {
	Send(ctx context.Context, content *notify.Content) error
}

// Config holds the sweep timing windows.
type Config struct {
	// GracePeriod is how far past its scheduled time a pending row may be
	// picked up before it is marked MISSED instead of sent. A late prayer
	// notification is worse than none.
	GracePeriod time.Duration

	// LookAhead is how far ahead of the scheduled time a row becomes
	// eligible for an in-flight send timer.
	LookAhead time.Duration
}

// Engine owns the PENDING → terminal transitions for all categories.
type Engine struct {
	store     Store
	sender    Sender
	providers []Provider
	cfg       Config
	logger    *zap.Logger

	// inFlight guards against duplicate concurrent sends: a row id stays in
	// the set from the moment its send timer is armed until the delivery
	// attempt completes, so overlapping sweeps re-observing the same PENDING
	// row arm at most one timer.
	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// New creates a queue engine over the given providers.
func New(store Store, sender Sender, providers []Provider, cfg Config, logger *zap.Logger) *Engine {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	if cfg.LookAhead == 0 {
		cfg.LookAhead = 2 * time.Minute
	}

	return &Engine{
		store:     store,
		sender:    sender,
		providers: providers,
		cfg:       cfg,
		logger:    logger,
		inFlight:  make(map[uuid.UUID]struct{}),
	}
}

// Start launches the enqueue and sweep loops for every provider and blocks
// until the context is cancelled. Each loop runs once immediately so a
// restart does not wait a full interval before picking up due rows.
func (e *Engine) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for _, p := range e.providers {
		wg.Add(2)
		go func(p Provider) {
			defer wg.Done()
			e.runLoop(ctx, p.EnqueueInterval(), func() {
				if err := p.RefreshQueue(ctx); err != nil && ctx.Err() == nil {
					e.logger.Error("enqueue loop failed",
						zap.Error(err),
						zap.String("category", p.Category()),
					)
				}
			})
		}(p)
		go func(p Provider) {
			defer wg.Done()
			e.runLoop(ctx, p.SweepInterval(), func() {
				e.Sweep(ctx, p)
			})
		}(p)
	}

	wg.Wait()
	e.logger.Info("queue engine stopped")
}

func (e *Engine) runLoop(ctx context.Context, interval time.Duration, fn func()) {
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Sweep evaluates every pending row of one category: cancel rows whose
// recipient is no longer eligible, mark rows past the grace period MISSED,
// and arm a send timer for rows due within the look-ahead window.
func (e *Engine) Sweep(ctx context.Context, p Provider) {
	start := time.Now()
	category := p.Category()

	rows, err := e.store.ListDeliveriesByCategory(ctx, category)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("failed to load queue", zap.Error(err), zap.String("category", category))
		}
		return
	}

	for _, row := range rows {
		if row.Status != db.StatusPending {
			continue
		}
		e.processPending(ctx, p, row)
	}

	metrics.ObserveSweep(category, time.Since(start))
}

func (e *Engine) processPending(ctx context.Context, p Provider, row *db.QueuedDelivery) {
	cancel, err := p.ShouldCancel(ctx, row)
	if err != nil {
		e.logger.Error("eligibility re-check failed",
			zap.Error(err),
			zap.String("delivery_id", row.ID.String()),
		)
		return
	}
	if cancel {
		e.transition(ctx, row, db.StatusCancelled)
		return
	}

	overdue := time.Since(row.ScheduledTime)
	if overdue > e.cfg.GracePeriod {
		e.transition(ctx, row, db.StatusMissed)
		return
	}

	delay := time.Until(row.ScheduledTime)
	if delay > e.cfg.LookAhead {
		// Not due yet; a later sweep will pick it up.
		return
	}

	if !e.track(row.ID) {
		// A send timer is already armed for this row.
		return
	}

	if delay < 0 {
		delay = 0
	}

	e.logger.Info("send scheduled",
		zap.String("delivery_id", row.ID.String()),
		zap.String("category", row.Category),
		zap.Duration("fires_in", delay),
	)

	time.AfterFunc(delay, func() {
		defer e.untrack(row.ID)
		e.deliver(ctx, p, row)
	})
}

// deliver renders the payload and drives the gateway, recording the outcome
// on the row. A failed attempt is terminal for the row; a fresh enqueue cycle
// produces a new row if the recipient is still eligible.
func (e *Engine) deliver(ctx context.Context, p Provider, row *db.QueuedDelivery) {
	if ctx.Err() != nil {
		// Shutting down; leave the row PENDING for the next process to
		// re-evaluate (it will likely be marked MISSED).
		return
	}

	content, err := p.Payload(ctx, row)
	if err != nil || content == nil {
		e.logger.Error("failed to render payload",
			zap.Error(err),
			zap.String("delivery_id", row.ID.String()),
			zap.String("category", row.Category),
		)
		e.transition(ctx, row, db.StatusFailed)
		return
	}

	if err := e.sender.Send(ctx, content); err != nil {
		e.logger.Error("delivery failed",
			zap.Error(err),
			zap.String("delivery_id", row.ID.String()),
			zap.String("category", row.Category),
		)
		e.transition(ctx, row, db.StatusFailed)
		return
	}

	payload, err := content.Encode()
	if err != nil {
		e.logger.Error("failed to encode sent payload", zap.Error(err))
		payload = row.Payload
	}

	if err := e.store.MarkDelivered(ctx, row.ID, payload); err != nil {
		e.logger.Error("failed to record delivery",
			zap.Error(err),
			zap.String("delivery_id", row.ID.String()),
		)
		return
	}

	metrics.RecordDelivery(row.Category, db.StatusSucceeded)
	e.logger.Info("delivery recorded",
		zap.String("delivery_id", row.ID.String()),
		zap.String("category", row.Category),
	)
}

func (e *Engine) transition(ctx context.Context, row *db.QueuedDelivery, status string) {
	if err := e.store.UpdateDeliveryStatus(ctx, row.ID, status); err != nil {
		e.logger.Error("failed to update delivery status",
			zap.Error(err),
			zap.String("delivery_id", row.ID.String()),
			zap.String("status", status),
		)
		return
	}

	metrics.RecordDelivery(row.Category, status)
	e.logger.Info("delivery status updated",
		zap.String("delivery_id", row.ID.String()),
		zap.String("category", row.Category),
		zap.String("status", status),
	)
}

func (e *Engine) track(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[id]; ok {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) untrack(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

// InFlight reports whether a send timer is currently armed for the row.
func (e *Engine) InFlight(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[id]
	return ok
}
