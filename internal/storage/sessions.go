package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// CreateSession allocates the merchant's next address index, derives the
// receive address through derive, and inserts the session, all in one
// transaction, so concurrent creations on the same merchant never collide
// on an index.
func (s *Store) CreateSession(ctx context.Context, sess Session, derive func(xpub string, index uint64) (string, error)) (Session, error) {
	err := s.Transact(ctx, func(tx *sql.Tx) error {
		var (
			xpub  string
			index uint64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT xpub, next_address_index FROM merchants WHERE id = ?`,
			sess.MerchantID).Scan(&xpub, &index)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storage: read address index: %w", err)
		}

		address, err := derive(xpub, index)
		if err != nil {
			return fmt.Errorf("storage: derive address: %w", err)
		}
		sess.Address = address
		sess.AddressIndex = index

		metadata, err := encodeMetadata(sess.Metadata)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, merchant_id, address, address_index, amount_sompi,
				status, subscription_token, tx_id, confirmations, initial_blue_score,
				order_id, metadata, redirect_url, created_at, expires_at, paid_at,
				confirmed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.MerchantID, sess.Address, sess.AddressIndex, sess.AmountSompi,
			sess.Status, sess.SubscriptionToken, nullString(sess.TxID), sess.Confirmations,
			nullUint64(sess.InitialBlueScore), nullString(sess.OrderID), metadata,
			nullString(sess.RedirectURL), formatTime(sess.CreatedAt),
			formatTime(sess.ExpiresAt), nullTimeString(sess.PaidAt),
			nullTimeString(sess.ConfirmedAt), formatTime(sess.UpdatedAt)); err != nil {
			return fmt.Errorf("storage: insert session: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE merchants SET next_address_index = ?, updated_at = ? WHERE id = ?`,
			index+1, formatTime(time.Now()), sess.MerchantID); err != nil {
			return fmt.Errorf("storage: bump address index: %w", err)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, id))
}

// MarkPaymentReceived attempts the pending → confirming transition under a
// transaction. The expiry check is part of the same transaction: a payment
// that lands after expires_at is rejected and the session expired in place,
// so a payment and an expiry can never both win.
func (s *Store) MarkPaymentReceived(ctx context.Context, id, txID string, initialBlueScore uint64, now time.Time) (accepted bool, out Session, err error) {
	err = s.Transact(ctx, func(tx *sql.Tx) error {
		var (
			status    SessionStatus
			expiresAt string
		)
		qerr := tx.QueryRowContext(ctx,
			`SELECT status, expires_at FROM sessions WHERE id = ?`, id).
			Scan(&status, &expiresAt)
		if errors.Is(qerr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if qerr != nil {
			return fmt.Errorf("storage: read session for payment: %w", qerr)
		}

		expiry, perr := parseTime(expiresAt)
		if perr != nil {
			return perr
		}

		if status != StatusPending || !now.Before(expiry) {
			// Rejected. A pending-but-expired session is expired here so the
			// sweep has nothing left to race against.
			if status == StatusPending {
				if _, uerr := tx.ExecContext(ctx,
					`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
					StatusExpired, formatTime(now), id); uerr != nil {
					return fmt.Errorf("storage: expire stale session: %w", uerr)
				}
			}
			accepted = false
			return nil
		}

		if _, uerr := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, tx_id = ?, initial_blue_score = ?,
				paid_at = ?, updated_at = ?
			WHERE id = ?`,
			StatusConfirming, txID, initialBlueScore,
			formatTime(now), formatTime(now), id); uerr != nil {
			return fmt.Errorf("storage: mark payment received: %w", uerr)
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, Session{}, err
	}

	out, err = s.GetSession(ctx, id)
	return accepted, out, err
}

// MarkConfirmed performs the confirming → confirmed transition.
func (s *Store) MarkConfirmed(ctx context.Context, id string, confirmations uint64, now time.Time) (Session, error) {
	if err := s.transition(ctx, id, StatusConfirming, StatusConfirmed, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, confirmations = MAX(confirmations, ?),
				confirmed_at = ?, updated_at = ?
			WHERE id = ?`,
			StatusConfirmed, confirmations, formatTime(now), formatTime(now), id)
		return err
	}); err != nil {
		return Session{}, err
	}
	return s.GetSession(ctx, id)
}

// MarkFailed performs the confirming → failed transition.
func (s *Store) MarkFailed(ctx context.Context, id string, now time.Time) (Session, error) {
	if err := s.transition(ctx, id, StatusConfirming, StatusFailed, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			StatusFailed, formatTime(now), id)
		return err
	}); err != nil {
		return Session{}, err
	}
	return s.GetSession(ctx, id)
}

// MarkExpired performs the pending → expired transition (cancel or sweep).
func (s *Store) MarkExpired(ctx context.Context, id string, now time.Time) (Session, error) {
	if err := s.transition(ctx, id, StatusPending, StatusExpired, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			StatusExpired, formatTime(now), id)
		return err
	}); err != nil {
		return Session{}, err
	}
	return s.GetSession(ctx, id)
}

// transition runs apply iff the session currently sits in from.
func (s *Store) transition(ctx context.Context, id string, from, to SessionStatus, apply func(tx *sql.Tx) error) error {
	return s.Transact(ctx, func(tx *sql.Tx) error {
		var status SessionStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storage: read session status: %w", err)
		}
		if status != from {
			return fmt.Errorf("%w: %s → %s (session is %s)", ErrInvalidTransition, from, to, status)
		}
		if err := apply(tx); err != nil {
			return fmt.Errorf("storage: transition %s → %s: %w", from, to, err)
		}
		return nil
	})
}

// UpdateConfirmations stores a new confirmation count for a confirming or
// confirmed session. Counts are monotonic: a value below the stored count is
// ignored, never written.
func (s *Store) UpdateConfirmations(ctx context.Context, id string, count uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET confirmations = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND confirmations < ?`,
		count, formatTime(time.Now()), id, StatusConfirming, StatusConfirmed, count)
	if err != nil {
		return fmt.Errorf("storage: update confirmations: %w", err)
	}
	_ = res // zero rows affected is fine: clamped or already terminal
	return nil
}

// ExpireOldSessions flips every pending session past its deadline to expired
// and returns the rows it changed. Running it twice in a row finds nothing
// the second time.
func (s *Store) ExpireOldSessions(ctx context.Context, now time.Time) ([]Session, error) {
	var expired []Session
	err := s.Transact(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			sessionColumns+` WHERE status = ? AND expires_at < ?`,
			StatusPending, formatTime(now))
		if err != nil {
			return fmt.Errorf("storage: select expired sessions: %w", err)
		}
		expired, err = collectSessions(rows)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = ?
			WHERE status = ? AND expires_at < ?`,
			StatusExpired, formatTime(now), StatusPending, formatTime(now)); err != nil {
			return fmt.Errorf("storage: expire sessions: %w", err)
		}
		for i := range expired {
			expired[i].Status = StatusExpired
		}
		return nil
	})
	return expired, err
}

// ListSessionsByStatus returns every session in the given status, used to
// rehydrate in-memory trackers after a restart.
func (s *Store) ListSessionsByStatus(ctx context.Context, status SessionStatus) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		sessionColumns+` WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions by status: %w", err)
	}
	return collectSessions(rows)
}

// ListMerchantSessions pages through a merchant's sessions, optionally
// filtered by status, newest first. The second return value is the total
// matching count for pagination.
func (s *Store) ListMerchantSessions(ctx context.Context, merchantID string, status SessionStatus, limit, offset int) ([]Session, int64, error) {
	where := ` WHERE merchant_id = ?`
	args := []any{merchantID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count merchant sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		sessionColumns+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list merchant sessions: %w", err)
	}
	sessions, err := collectSessions(rows)
	return sessions, total, err
}

// MerchantStats returns per-status counts and the summed confirmed volume.
// Sums run over big.Int in Go: amounts are decimal strings and SQL SUM would
// round them through floats.
func (s *Store) MerchantStats(ctx context.Context, merchantID string) (MerchantStats, error) {
	stats := MerchantStats{CountByStatus: make(map[SessionStatus]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sessions
		WHERE merchant_id = ? GROUP BY status`, merchantID)
	if err != nil {
		return stats, fmt.Errorf("storage: merchant stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status SessionStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("storage: scan stats row: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("storage: stats rows: %w", err)
	}

	volume, err := s.sumAmounts(ctx, `
		SELECT amount_sompi FROM sessions
		WHERE merchant_id = ? AND status = ?`, merchantID, StatusConfirmed)
	if err != nil {
		return stats, err
	}
	stats.ConfirmedVolumeSompi = volume.String()
	return stats, nil
}

// CountAndVolume returns the session count and confirmed volume for a
// merchant within [start, end), for period-over-period analytics.
func (s *Store) CountAndVolume(ctx context.Context, merchantID string, start, end time.Time) (int64, *big.Int, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE merchant_id = ? AND created_at >= ? AND created_at < ?`,
		merchantID, formatTime(start), formatTime(end)).Scan(&count); err != nil {
		return 0, nil, fmt.Errorf("storage: period count: %w", err)
	}

	volume, err := s.sumAmounts(ctx, `
		SELECT amount_sompi FROM sessions
		WHERE merchant_id = ? AND status = ? AND created_at >= ? AND created_at < ?`,
		merchantID, StatusConfirmed, formatTime(start), formatTime(end))
	if err != nil {
		return 0, nil, err
	}
	return count, volume, nil
}

// DailyVolumes buckets a merchant's sessions by UTC day within [start, end).
func (s *Store) DailyVolumes(ctx context.Context, merchantID string, start, end time.Time) ([]DailyVolume, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day, status, amount_sompi
		FROM sessions
		WHERE merchant_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY day`,
		merchantID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("storage: daily volumes: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]*DailyVolume)
	sums := make(map[string]*big.Int)
	var order []string
	for rows.Next() {
		var (
			day, amount string
			status      SessionStatus
		)
		if err := rows.Scan(&day, &status, &amount); err != nil {
			return nil, fmt.Errorf("storage: scan daily row: %w", err)
		}
		dv, ok := byDay[day]
		if !ok {
			dv = &DailyVolume{Day: day}
			byDay[day] = dv
			sums[day] = new(big.Int)
			order = append(order, day)
		}
		dv.Sessions++
		if status == StatusConfirmed {
			dv.ConfirmedCount++
			v, ok := new(big.Int).SetString(amount, 10)
			if !ok {
				return nil, fmt.Errorf("storage: malformed amount %q", amount)
			}
			sums[day].Add(sums[day], v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: daily rows: %w", err)
	}

	out := make([]DailyVolume, 0, len(order))
	for _, day := range order {
		byDay[day].ConfirmedSompi = sums[day].String()
		out = append(out, *byDay[day])
	}
	return out, nil
}

// TopPayments lists a merchant's largest confirmed sessions within [start, end).
// Amounts are plain decimal strings, so lexical ordering in SQL would be
// wrong; sorting happens in Go over big.Int.
func (s *Store) TopPayments(ctx context.Context, merchantID string, n int, start, end time.Time) ([]TopPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amount_sompi, order_id, confirmed_at FROM sessions
		WHERE merchant_id = ? AND status = ? AND created_at >= ? AND created_at < ?`,
		merchantID, StatusConfirmed, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("storage: top payments: %w", err)
	}
	defer rows.Close()

	type entry struct {
		tp  TopPayment
		amt *big.Int
	}
	var entries []entry
	for rows.Next() {
		var (
			tp          TopPayment
			orderID     sql.NullString
			confirmedAt sql.NullString
		)
		if err := rows.Scan(&tp.SessionID, &tp.AmountSompi, &orderID, &confirmedAt); err != nil {
			return nil, fmt.Errorf("storage: scan top payment: %w", err)
		}
		tp.OrderID = orderID.String
		if tp.ConfirmedAt, err = scanNullTime(confirmedAt); err != nil {
			return nil, err
		}
		amt, ok := new(big.Int).SetString(tp.AmountSompi, 10)
		if !ok {
			return nil, fmt.Errorf("storage: malformed amount %q", tp.AmountSompi)
		}
		entries = append(entries, entry{tp: tp, amt: amt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: top payment rows: %w", err)
	}

	// Selection of the n largest; merchant session counts keep this small.
	for i := 0; i < len(entries) && i < n; i++ {
		maxIdx := i
		for j := i + 1; j < len(entries); j++ {
			if entries[j].amt.Cmp(entries[maxIdx].amt) > 0 {
				maxIdx = j
			}
		}
		entries[i], entries[maxIdx] = entries[maxIdx], entries[i]
	}
	if len(entries) > n {
		entries = entries[:n]
	}

	out := make([]TopPayment, len(entries))
	for i, e := range entries {
		out[i] = e.tp
	}
	return out, nil
}

// sumAmounts adds decimal-string amounts from a single-column query.
func (s *Store) sumAmounts(ctx context.Context, query string, args ...any) (*big.Int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: sum amounts: %w", err)
	}
	defer rows.Close()

	total := new(big.Int)
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, fmt.Errorf("storage: scan amount: %w", err)
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("storage: malformed amount %q", amount)
		}
		total.Add(total, v)
	}
	return total, rows.Err()
}

const sessionColumns = `
	SELECT id, merchant_id, address, address_index, amount_sompi, status,
		subscription_token, tx_id, confirmations, initial_blue_score, order_id,
		metadata, redirect_url, created_at, expires_at, paid_at, confirmed_at,
		updated_at
	FROM sessions`

func (s *Store) scanSession(row rowScanner) (Session, error) {
	sess, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

func scanSessionRow(row rowScanner) (Session, error) {
	var (
		sess                          Session
		txID, orderID, redirectURL    sql.NullString
		metadata                      sql.NullString
		initialBlueScore              sql.NullInt64
		createdAt, expiresAt, updated string
		paidAt, confirmedAt           sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.MerchantID, &sess.Address, &sess.AddressIndex,
		&sess.AmountSompi, &sess.Status, &sess.SubscriptionToken, &txID,
		&sess.Confirmations, &initialBlueScore, &orderID, &metadata, &redirectURL,
		&createdAt, &expiresAt, &paidAt, &confirmedAt, &updated)
	if err != nil {
		return Session{}, err
	}

	sess.TxID = txID.String
	sess.OrderID = orderID.String
	sess.RedirectURL = redirectURL.String
	if initialBlueScore.Valid {
		v := uint64(initialBlueScore.Int64)
		sess.InitialBlueScore = &v
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			return Session{}, fmt.Errorf("storage: decode metadata: %w", err)
		}
	}

	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, err
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return Session{}, err
	}
	if sess.UpdatedAt, err = parseTime(updated); err != nil {
		return Session{}, err
	}
	if sess.PaidAt, err = scanNullTime(paidAt); err != nil {
		return Session{}, err
	}
	if sess.ConfirmedAt, err = scanNullTime(confirmedAt); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("storage: encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullUint64(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
