package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// DeliveryLog records which users already received the digest for a day, so a
// re-run of the daily job does not send duplicates.
type DeliveryLog struct {
	db *sql.DB
}

func NewDeliveryLog(db *sql.DB) *DeliveryLog {
	return &DeliveryLog{db: db}
}

// Delivered reports whether userID was sent the digest dated day.
func (l *DeliveryLog) Delivered(ctx context.Context, userID string, day time.Time) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM deliveries WHERE user_id = ? AND digest_date = ?`,
		userID, day.Format(dayLayout)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query delivery: %w", err)
	}
	return true, nil
}

// MarkDelivered records a successful send.
func (l *DeliveryLog) MarkDelivered(ctx context.Context, userID, email string, day time.Time, interests int) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO deliveries (user_id, email, digest_date, interests, delivered_at) VALUES (?, ?, ?, ?, ?)`,
		userID, email, day.Format(dayLayout), interests, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}
