package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertDelivery records a new webhook delivery row with its frozen payload.
func (s *Store) InsertDelivery(ctx context.Context, d WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, session_id, merchant_id, event, payload,
			delivery_id, attempts, last_status_code, last_response_snippet,
			next_retry_at, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.MerchantID, d.Event, string(d.Payload),
		d.DeliveryID, d.Attempts, nullInt(d.LastStatusCode),
		nullString(d.LastResponseSnippet), nullTimeString(d.NextRetryAt),
		formatTime(d.CreatedAt), nullTimeString(d.DeliveredAt))
	if err != nil {
		return fmt.Errorf("storage: insert delivery: %w", err)
	}
	return nil
}

// GetDelivery fetches a delivery row by id.
func (s *Store) GetDelivery(ctx context.Context, id string) (WebhookDelivery, error) {
	return s.scanDelivery(s.db.QueryRowContext(ctx,
		deliveryColumns+` WHERE id = ?`, id))
}

// DueDeliveries returns rows ready for a retry: scheduled, undelivered, and
// under the attempt cap.
func (s *Store) DueDeliveries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, deliveryColumns+`
		WHERE next_retry_at IS NOT NULL AND next_retry_at <= ?
			AND delivered_at IS NULL AND attempts < ?
		ORDER BY next_retry_at LIMIT ?`,
		formatTime(now), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: due deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// MarkDelivered finalizes a delivery on its first 2xx. A delivered row is
// never written again.
func (s *Store) MarkDelivered(ctx context.Context, id string, attempts, statusCode int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs
		SET attempts = ?, last_status_code = ?, next_retry_at = NULL, delivered_at = ?
		WHERE id = ? AND delivered_at IS NULL`,
		attempts, statusCode, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("storage: mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAttemptFailed records a failed attempt. nextRetry is nil once the
// attempt budget is spent, leaving the row as a permanent failure.
func (s *Store) MarkAttemptFailed(ctx context.Context, id string, attempts int, statusCode *int, snippet string, nextRetry *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs
		SET attempts = ?, last_status_code = ?, last_response_snippet = ?, next_retry_at = ?
		WHERE id = ? AND delivered_at IS NULL`,
		attempts, nullInt(statusCode), nullString(snippet), nullTimeString(nextRetry), id)
	if err != nil {
		return fmt.Errorf("storage: mark attempt failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueDelivery schedules a manual retry for an undelivered row, refunding
// one attempt so the retry worker picks it up again.
func (s *Store) RequeueDelivery(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs
		SET next_retry_at = ?, attempts = MAX(attempts - 1, 0)
		WHERE id = ? AND delivered_at IS NULL`,
		formatTime(now), id)
	if err != nil {
		return fmt.Errorf("storage: requeue delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDeliveries pages through a merchant's webhook log, newest first,
// optionally filtered by event kind.
func (s *Store) ListDeliveries(ctx context.Context, merchantID, event string, limit, offset int) ([]WebhookDelivery, int64, error) {
	where := ` WHERE merchant_id = ?`
	args := []any{merchantID}
	if event != "" {
		where += ` AND event = ?`
		args = append(args, event)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count deliveries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		deliveryColumns+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list deliveries: %w", err)
	}
	deliveries, err := collectDeliveries(rows)
	return deliveries, total, err
}

const deliveryColumns = `
	SELECT id, session_id, merchant_id, event, payload, delivery_id, attempts,
		last_status_code, last_response_snippet, next_retry_at, created_at,
		delivered_at
	FROM webhook_logs`

func (s *Store) scanDelivery(row rowScanner) (WebhookDelivery, error) {
	d, err := scanDeliveryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookDelivery{}, ErrNotFound
	}
	return d, err
}

func scanDeliveryRow(row rowScanner) (WebhookDelivery, error) {
	var (
		d                      WebhookDelivery
		payload                string
		statusCode             sql.NullInt64
		snippet                sql.NullString
		nextRetry, deliveredAt sql.NullString
		createdAt              string
	)
	err := row.Scan(&d.ID, &d.SessionID, &d.MerchantID, &d.Event, &payload,
		&d.DeliveryID, &d.Attempts, &statusCode, &snippet, &nextRetry,
		&createdAt, &deliveredAt)
	if err != nil {
		return WebhookDelivery{}, err
	}

	d.Payload = []byte(payload)
	if statusCode.Valid {
		v := int(statusCode.Int64)
		d.LastStatusCode = &v
	}
	d.LastResponseSnippet = snippet.String

	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return WebhookDelivery{}, err
	}
	if d.NextRetryAt, err = scanNullTime(nextRetry); err != nil {
		return WebhookDelivery{}, err
	}
	if d.DeliveredAt, err = scanNullTime(deliveredAt); err != nil {
		return WebhookDelivery{}, err
	}
	return d, nil
}

func collectDeliveries(rows *sql.Rows) ([]WebhookDelivery, error) {
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanDeliveryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
