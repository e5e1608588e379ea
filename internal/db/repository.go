package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for the delivery queue.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new queue repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const deliveryColumns = `
	id, device_token, category, status, scheduled_time,
	payload, api_triggered, delivered_at, created_at, updated_at
`

func scanDelivery(row pgx.Row) (*QueuedDelivery, error) {
	var d QueuedDelivery
	err := row.Scan(
		&d.ID,
		&d.DeviceToken,
		&d.Category,
		&d.Status,
		&d.ScheduledTime,
		&d.Payload,
		&d.APITriggered,
		&d.DeliveredAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDelivery inserts a new queue row.
func (r *Repository) CreateDelivery(ctx context.Context, d *QueuedDelivery) error {
	query := `
		INSERT INTO queued_deliveries (
			id, device_token, category, status, scheduled_time, payload, api_triggered, delivered_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		d.ID,
		d.DeviceToken,
		d.Category,
		d.Status,
		d.ScheduledTime,
		d.Payload,
		d.APITriggered,
		d.DeliveredAt,
	).Scan(&d.CreatedAt, &d.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create queued delivery",
			zap.Error(err),
			zap.String("delivery_id", d.ID.String()),
		)
		return fmt.Errorf("insert queued delivery: %w", err)
	}

	r.logger.Info("delivery queued",
		zap.String("delivery_id", d.ID.String()),
		zap.String("category", d.Category),
		zap.Time("scheduled_time", d.ScheduledTime),
	)

	return nil
}

// UpdateDeliveryStatus transitions a row to a new status.
func (r *Repository) UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `
		UPDATE queued_deliveries
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, status, id)
	if err != nil {
		r.logger.Error("failed to update delivery status",
			zap.Error(err),
			zap.String("delivery_id", id.String()),
		)
		return fmt.Errorf("update delivery status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery not found: %s", id)
	}

	return nil
}

// MarkDelivered records a successful delivery: status SUCCEEDED, delivered_at
// stamped, and the payload overwritten with the content actually sent.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, payload json.RawMessage) error {
	query := `
		UPDATE queued_deliveries
		SET status = $1, delivered_at = NOW(), updated_at = NOW(), payload = $2
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusSucceeded, payload, id)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery not found: %s", id)
	}

	return nil
}

// ListDeliveriesByCategory returns all queue rows for a category, newest
// first. The sweep processes rows in this order.
func (r *Repository) ListDeliveriesByCategory(ctx context.Context, category string) ([]*QueuedDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM queued_deliveries
		WHERE category = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, category)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*QueuedDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return deliveries, nil
}

// ListDeliveriesByDevice returns the delivery ledger for one device, newest
// first, with pagination.
func (r *Repository) ListDeliveriesByDevice(ctx context.Context, deviceToken string, limit, offset int) ([]*QueuedDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM queued_deliveries
		WHERE device_token = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, deviceToken, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*QueuedDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, rows.Err()
}

// LatestDelivery returns the most recent row for (device_token, category)
// whose status is in the given set, or nil if none exists. The enqueue loops
// use it for the pending/recency dedup check.
func (r *Repository) LatestDelivery(ctx context.Context, deviceToken, category string, statuses []string) (*QueuedDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM queued_deliveries
		WHERE device_token = $1 AND category = $2 AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1
	`

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, deviceToken, category, statuses))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest delivery: %w", err)
	}

	return d, nil
}

// RecentActivityCutoff is a convenience: delivered_at when present, else
// created_at. Recency windows compare against this instant.
func RecentActivityCutoff(d *QueuedDelivery) time.Time {
	if d.DeliveredAt != nil {
		return *d.DeliveredAt
	}
	return d.CreatedAt
}
