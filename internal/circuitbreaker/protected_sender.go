package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wikisubmission/ws-push-service/internal/apns"
	"github.com/wikisubmission/ws-push-service/internal/notify"
)

// Sender mirrors the queue.Sender interface to avoid circular imports.
type Sender interface {
	Send(ctx context.Context, content *notify.Content) error
}

// ProtectedSender wraps the push gateway with a CircuitBreaker. When the
// gateway starts failing at the transport level, the circuit opens and
// sends fail fast instead of piling up.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts to deliver a notification through the circuit breaker.
// If the circuit is open, returns ErrCircuitOpen immediately.
//
// Per-device rejections (bad token, unregistered device) do not count
// against the breaker: they say nothing about gateway health, and a batch
// of stale tokens must not blackout delivery for everyone else.
func (p *ProtectedSender) Send(ctx context.Context, content *notify.Content) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("category", content.Category),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, content)
	if err != nil {
		if apns.IsPermanent(err) {
			p.breaker.RecordSuccess()
			return err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
