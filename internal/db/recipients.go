package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// RecipientRepository reads device registrations and persists the small
// amount of recipient state the delivery pipeline owns: the sticky APNs
// environment flag, and deletion of permanently dead tokens. Registration
// writes otherwise belong to the app-facing registration surface.
type RecipientRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRecipientRepository creates a new recipient repository.
func NewRecipientRepository(db *DB, logger *zap.Logger) *RecipientRepository {
	return &RecipientRepository{
		db:     db,
		logger: logger,
	}
}

// GetRecipient returns the recipient row for a device token, or nil if the
// device is not registered.
func (r *RecipientRepository) GetRecipient(ctx context.Context, deviceToken string) (*Recipient, error) {
	query := `
		SELECT device_token, enabled, is_sandbox, created_at
		FROM notification_recipients
		WHERE device_token = $1
	`

	var rec Recipient
	err := r.db.Pool().QueryRow(ctx, query, deviceToken).Scan(
		&rec.DeviceToken,
		&rec.Enabled,
		&rec.IsSandbox,
		&rec.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}

	return &rec, nil
}

// SetSandbox persists the corrected APNs environment for a device after a
// cross-environment fallback succeeded.
func (r *RecipientRepository) SetSandbox(ctx context.Context, deviceToken string, sandbox bool) error {
	query := `
		UPDATE notification_recipients
		SET is_sandbox = $1
		WHERE device_token = $2
	`

	if _, err := r.db.Pool().Exec(ctx, query, sandbox, deviceToken); err != nil {
		return fmt.Errorf("set sandbox flag: %w", err)
	}

	r.logger.Info("recipient environment updated",
		zap.String("device_token", truncateToken(deviceToken)),
		zap.Bool("is_sandbox", sandbox),
	)

	return nil
}

// DeleteRecipient removes a recipient and its registrations. Called when the
// gateway reports the device token permanently invalid in both environments;
// the token will never deliver again.
func (r *RecipientRepository) DeleteRecipient(ctx context.Context, deviceToken string) error {
	query := `DELETE FROM notification_recipients WHERE device_token = $1`

	result, err := r.db.Pool().Exec(ctx, query, deviceToken)
	if err != nil {
		return fmt.Errorf("delete recipient: %w", err)
	}

	r.logger.Info("recipient deleted",
		zap.String("device_token", truncateToken(deviceToken)),
		zap.Int64("rows", result.RowsAffected()),
	)

	return nil
}

// ListPrayerRecipients returns every enabled recipient holding an enabled
// prayer-times registration with a location set. Rows missing a location are
// excluded at the query level; they can never produce a delivery.
func (r *RecipientRepository) ListPrayerRecipients(ctx context.Context) ([]*PrayerRecipient, error) {
	query := `
		SELECT
			u.device_token, u.enabled, u.is_sandbox, u.created_at,
			p.enabled, p.location, p.asr_adjustment,
			p.dawn, p.sunrise, p.noon, p.afternoon, p.sunset, p.night
		FROM notification_recipients u
		JOIN registry_prayer_times p ON p.device_token = u.device_token
		WHERE u.enabled AND p.enabled AND p.location <> ''
		ORDER BY u.created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query prayer recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*PrayerRecipient
	for rows.Next() {
		var rec PrayerRecipient
		err := rows.Scan(
			&rec.DeviceToken,
			&rec.Enabled,
			&rec.IsSandbox,
			&rec.CreatedAt,
			&rec.Registration.Enabled,
			&rec.Registration.Location,
			&rec.Registration.AsrAdjustment,
			&rec.Registration.Dawn,
			&rec.Registration.Sunrise,
			&rec.Registration.Noon,
			&rec.Registration.Afternoon,
			&rec.Registration.Sunset,
			&rec.Registration.Night,
		)
		if err != nil {
			return nil, fmt.Errorf("scan prayer recipient: %w", err)
		}
		rec.Registration.DeviceToken = rec.DeviceToken
		recipients = append(recipients, &rec)
	}

	return recipients, rows.Err()
}

// GetPrayerRegistration returns the prayer-times registration for a device,
// or nil if the device has none.
func (r *RecipientRepository) GetPrayerRegistration(ctx context.Context, deviceToken string) (*PrayerTimesRegistration, error) {
	query := `
		SELECT device_token, enabled, location, asr_adjustment,
			dawn, sunrise, noon, afternoon, sunset, night
		FROM registry_prayer_times
		WHERE device_token = $1
	`

	var reg PrayerTimesRegistration
	err := r.db.Pool().QueryRow(ctx, query, deviceToken).Scan(
		&reg.DeviceToken,
		&reg.Enabled,
		&reg.Location,
		&reg.AsrAdjustment,
		&reg.Dawn,
		&reg.Sunrise,
		&reg.Noon,
		&reg.Afternoon,
		&reg.Sunset,
		&reg.Night,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query prayer registration: %w", err)
	}

	return &reg, nil
}

// ListVerseRecipients returns every enabled recipient holding an enabled
// registration for the given verse category (DAILY_VERSE or RANDOM_VERSE).
func (r *RecipientRepository) ListVerseRecipients(ctx context.Context, category string) ([]*Recipient, error) {
	table, err := verseRegistryTable(category)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT u.device_token, u.enabled, u.is_sandbox, u.created_at
		FROM notification_recipients u
		JOIN ` + table + ` v ON v.device_token = u.device_token
		WHERE u.enabled AND v.enabled
		ORDER BY u.created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query verse recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		var rec Recipient
		if err := rows.Scan(&rec.DeviceToken, &rec.Enabled, &rec.IsSandbox, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan verse recipient: %w", err)
		}
		recipients = append(recipients, &rec)
	}

	return recipients, rows.Err()
}

// VerseRegistrationEnabled reports whether a device holds an enabled
// registration for the given verse category.
func (r *RecipientRepository) VerseRegistrationEnabled(ctx context.Context, deviceToken, category string) (bool, error) {
	table, err := verseRegistryTable(category)
	if err != nil {
		return false, err
	}

	query := `SELECT enabled FROM ` + table + ` WHERE device_token = $1`

	var enabled bool
	err = r.db.Pool().QueryRow(ctx, query, deviceToken).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query verse registration: %w", err)
	}

	return enabled, nil
}

func verseRegistryTable(category string) (string, error) {
	switch category {
	case CategoryDailyVerse:
		return "registry_daily_verse", nil
	case CategoryRandomVerse:
		return "registry_random_verse", nil
	}
	return "", fmt.Errorf("no verse registry for category %q", category)
}

func truncateToken(token string) string {
	if len(token) > 5 {
		return token[:5] + "..."
	}
	return token
}
