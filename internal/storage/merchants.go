package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateMerchant inserts a new merchant row.
func (s *Store) CreateMerchant(ctx context.Context, m Merchant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchants (id, name, email, xpub, next_address_index,
			api_key, api_key_digest, webhook_url, webhook_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, nullString(m.Email), m.XPub, m.NextAddressIndex,
		nullString(m.APIKey), nullString(m.APIKeyDigest), nullString(m.WebhookURL),
		m.WebhookSecret, formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("storage: create merchant: %w", err)
	}
	return nil
}

// GetMerchant fetches a merchant by id.
func (s *Store) GetMerchant(ctx context.Context, id string) (Merchant, error) {
	return s.scanMerchant(s.db.QueryRowContext(ctx,
		merchantColumns+` WHERE id = ?`, id))
}

// GetMerchantByKeyDigest looks a merchant up by API-key digest. The digest
// index makes the lookup O(log n) regardless of key length, and the caller
// cannot distinguish unknown keys from anything else: both are ErrNotFound.
func (s *Store) GetMerchantByKeyDigest(ctx context.Context, digest string) (Merchant, error) {
	return s.scanMerchant(s.db.QueryRowContext(ctx,
		merchantColumns+` WHERE api_key_digest = ?`, digest))
}

// UpdateMerchant applies a partial update of the mutable profile fields.
// Nil pointers leave the column untouched.
func (s *Store) UpdateMerchant(ctx context.Context, id string, name, email, webhookURL *string) (Merchant, error) {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}
	if name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *name)
	}
	if email != nil {
		sets = append(sets, "email = ?")
		args = append(args, nullString(*email))
	}
	if webhookURL != nil {
		sets = append(sets, "webhook_url = ?")
		args = append(args, nullString(*webhookURL))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE merchants SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return Merchant{}, ErrDuplicateEmail
		}
		return Merchant{}, fmt.Errorf("storage: update merchant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Merchant{}, ErrNotFound
	}
	return s.GetMerchant(ctx, id)
}

// RotateAPIKey atomically replaces the plaintext and digest of a merchant's
// API key; the old material is invalid the moment the transaction commits.
func (s *Store) RotateAPIKey(ctx context.Context, id, plaintext, digest string) error {
	return s.Transact(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE merchants SET api_key = ?, api_key_digest = ?, updated_at = ?
			WHERE id = ?`,
			plaintext, digest, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("storage: rotate api key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RotateWebhookSecret replaces the merchant's webhook signing secret.
func (s *Store) RotateWebhookSecret(ctx context.Context, id, secret string) error {
	return s.Transact(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE merchants SET webhook_secret = ?, updated_at = ?
			WHERE id = ?`,
			secret, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("storage: rotate webhook secret: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// BackfillKeyDigest writes a digest for a legacy row that only has plaintext.
// This is the only path that searches the plaintext column.
func (s *Store) BackfillKeyDigest(ctx context.Context, plaintext, digest string) (Merchant, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE merchants SET api_key_digest = ?, updated_at = ?
		WHERE api_key = ? AND (api_key_digest IS NULL OR api_key_digest = '')`,
		digest, formatTime(time.Now()), plaintext)
	if err != nil {
		return Merchant{}, fmt.Errorf("storage: backfill key digest: %w", err)
	}
	return s.GetMerchantByKeyDigest(ctx, digest)
}

// EraseAPIKeyPlaintext redacts the stored plaintext once the digest exists.
// Verification is unaffected: lookups go by digest only.
func (s *Store) EraseAPIKeyPlaintext(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE merchants SET api_key = NULL, updated_at = ?
		WHERE id = ? AND api_key_digest IS NOT NULL AND api_key_digest != ''`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("storage: erase api key plaintext: %w", err)
	}
	return nil
}

const merchantColumns = `
	SELECT id, name, email, xpub, next_address_index, api_key, api_key_digest,
		webhook_url, webhook_secret, created_at, updated_at
	FROM merchants`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMerchant(row rowScanner) (Merchant, error) {
	var (
		m                                    Merchant
		email, apiKey, digest, webhookURL    sql.NullString
		createdAt, updatedAt                 string
	)
	err := row.Scan(&m.ID, &m.Name, &email, &m.XPub, &m.NextAddressIndex,
		&apiKey, &digest, &webhookURL, &m.WebhookSecret, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Merchant{}, ErrNotFound
	}
	if err != nil {
		return Merchant{}, fmt.Errorf("storage: scan merchant: %w", err)
	}

	m.Email = email.String
	m.APIKey = apiKey.String
	m.APIKeyDigest = digest.String
	m.WebhookURL = webhookURL.String

	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return Merchant{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Merchant{}, err
	}
	return m, nil
}

// nullString maps empty strings to NULL so optional columns stay nullable.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation detects sqlite unique-constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
