package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// TriggerGuardTTL is how long a completed manual trigger is remembered.
	// Long enough to absorb client retries and double taps, short enough
	// that an operator can deliberately re-send within the same hour.
	TriggerGuardTTL = 5 * time.Minute

	// processingTTL is the lock duration while a trigger is being delivered.
	processingTTL = 1 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateTrigger indicates the same device/category trigger was
// already accepted within the guard window.
var ErrDuplicateTrigger = errors.New("duplicate trigger: send already in progress or recently completed")

// TriggerResult stores the outcome of a completed manual trigger.
type TriggerResult struct {
	DeliveryID string `json:"delivery_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// TriggerGuard suppresses duplicate manual sends using Redis.
// A trigger is identified by (category, device token).
type TriggerGuard struct {
	client *Client
	logger *zap.Logger
}

// NewTriggerGuard creates a new trigger guard.
func NewTriggerGuard(client *Client, logger *zap.Logger) *TriggerGuard {
	return &TriggerGuard{
		client: client,
		logger: logger,
	}
}

func (s *TriggerGuard) buildKey(category, deviceToken string) string {
	return fmt.Sprintf("trigger:%s:%s", category, deviceToken)
}

// Check retrieves a cached result for a trigger.
// Returns (nil, nil) if no guard exists, (result, nil) if a completed
// trigger is cached, or ErrDuplicateTrigger if one is in flight.
func (s *TriggerGuard) Check(ctx context.Context, category, deviceToken string) (*TriggerResult, error) {
	key := s.buildKey(category, deviceToken)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateTrigger
	}

	var result TriggerResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal trigger result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("trigger guard hit",
		zap.String("category", category),
		zap.String("delivery_id", result.DeliveryID),
	)

	return &result, nil
}

// Store saves the result of a completed trigger for TriggerGuardTTL.
func (s *TriggerGuard) Store(ctx context.Context, category, deviceToken string, result *TriggerResult) error {
	key := s.buildKey(category, deviceToken)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, TriggerGuardTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires the trigger lock using SET NX.
// Returns true if lock acquired, false if the key already exists.
func (s *TriggerGuard) Reserve(ctx context.Context, category, deviceToken string) (bool, error) {
	key := s.buildKey(category, deviceToken)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops a reservation after a failed send so the client can retry.
func (s *TriggerGuard) Release(ctx context.Context, category, deviceToken string) error {
	key := s.buildKey(category, deviceToken)
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve atomically checks for a completed trigger or reserves the key.
// Returns the cached result if found, nil if reserved successfully, or error.
func (s *TriggerGuard) CheckOrReserve(ctx context.Context, category, deviceToken string) (*TriggerResult, error) {
	result, err := s.Check(ctx, category, deviceToken)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, category, deviceToken)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateTrigger
	}

	return nil, nil
}
