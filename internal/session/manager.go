// Package session owns the payment session lifecycle: creation with address
// derivation, the pending → confirming → confirmed state machine, expiry
// sweeping, and subscription-token verification. All durable state lives in
// the store; the manager holds no session data in memory.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/kaspa"
	"github.com/KasGate/server/internal/ledger"
	"github.com/KasGate/server/internal/logger"
	"github.com/KasGate/server/internal/merchant"
	"github.com/KasGate/server/internal/metrics"
	"github.com/KasGate/server/internal/money"
	"github.com/KasGate/server/internal/sanitize"
	"github.com/KasGate/server/internal/storage"
)

// Validation errors surfaced to the HTTP layer.
var (
	ErrInvalidAmount   = errors.New("session: invalid amount")
	ErrAmountTooSmall  = errors.New("session: amount below minimum")
	ErrInvalidOrderID  = errors.New("session: invalid order id")
	ErrInvalidMetadata = errors.New("session: invalid metadata")
)

// Config tunes session behavior.
type Config struct {
	TTL                   time.Duration
	SweepInterval         time.Duration
	MinAmountSompi        uint64
	RequiredConfirmations uint64
}

// Watcher is the slice of the ledger watcher the manager needs.
type Watcher interface {
	Monitor(ctx context.Context, address string, expectedAmount *big.Int, cb ledger.Callback)
	Unmonitor(address string)
	CurrentBlueScore(ctx context.Context) (uint64, error)
}

// Manager drives payment sessions.
//
// The function-typed hooks decouple the manager from the webhook dispatcher,
// subscription hub, and confirmation tracker: they are assigned at wiring
// time, keeping the dependency graph acyclic. All hooks may be nil.
type Manager struct {
	cfg     Config
	store   *storage.Store
	deriver kaspa.AddressDeriver
	watcher Watcher
	metrics *metrics.Metrics
	log     zerolog.Logger

	// OnTransition fires after every committed status change, with the
	// previous status. Wired to webhook dispatch and hub broadcast.
	OnTransition func(sess storage.Session, from storage.SessionStatus)

	// OnPaymentDetected fires after an accepted markPaymentReceived. Wired
	// to the confirmation tracker.
	OnPaymentDetected func(sess storage.Session)

	// OnConfirmations fires after a stored confirmation-count update.
	OnConfirmations func(sessionID string, confirmations uint64)

	stop chan struct{}
	done chan struct{}
}

// NewManager builds the session manager.
func NewManager(cfg Config, store *storage.Store, deriver kaspa.AddressDeriver, watcher Watcher, m *metrics.Metrics, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		deriver: deriver,
		watcher: watcher,
		metrics: m,
		log:     log.With().Str("component", "session").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// CreateParams are the merchant-supplied session inputs.
type CreateParams struct {
	AmountKAS   string
	OrderID     string
	Metadata    map[string]string
	RedirectURL string
}

// Create validates the request, derives the next receive address inside the
// creation transaction, and starts watching it.
func (m *Manager) Create(ctx context.Context, merch storage.Merchant, p CreateParams) (storage.Session, error) {
	amount, err := money.KASToSompi(p.AmountKAS)
	if err != nil {
		return storage.Session{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amount.Cmp(new(big.Int).SetUint64(m.cfg.MinAmountSompi)) < 0 {
		return storage.Session{}, ErrAmountTooSmall
	}

	orderID, err := sanitize.OrderID(p.OrderID)
	if err != nil {
		return storage.Session{}, fmt.Errorf("%w: %v", ErrInvalidOrderID, err)
	}
	metadata, err := sanitize.Metadata(p.Metadata)
	if err != nil {
		return storage.Session{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	token, err := merchant.NewSubscriptionToken()
	if err != nil {
		return storage.Session{}, fmt.Errorf("session: mint subscription token: %w", err)
	}

	now := time.Now().UTC()
	sess := storage.Session{
		ID:                uuid.NewString(),
		MerchantID:        merch.ID,
		AmountSompi:       money.FormatSompi(amount),
		Status:            storage.StatusPending,
		SubscriptionToken: token,
		OrderID:           orderID,
		Metadata:          metadata,
		RedirectURL:       p.RedirectURL,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.cfg.TTL),
		UpdatedAt:         now,
	}

	created, err := m.store.CreateSession(ctx, sess, m.deriver.Derive)
	if err != nil {
		return storage.Session{}, err
	}

	m.metrics.SessionsCreatedTotal.Inc()
	m.metrics.SessionsActive.Inc()
	m.log.Info().
		Str("session_id", created.ID).
		Str("merchant_id", merch.ID).
		Str("address", logger.TruncateAddress(created.Address)).
		Str("amount_sompi", created.AmountSompi).
		Msg("session.created")

	m.monitor(ctx, created)
	return created, nil
}

func (m *Manager) monitor(ctx context.Context, sess storage.Session) {
	expected, err := money.ParseSompi(sess.AmountSompi)
	if err != nil {
		m.log.Error().Err(err).Str("session_id", sess.ID).Msg("session.bad_stored_amount")
		return
	}
	id := sess.ID
	m.watcher.Monitor(ctx, sess.Address, expected, func(address, txID string, _ *big.Int, _ []ledger.UTXO) {
		m.handleDetection(id, address, txID)
	})
}

// handleDetection runs on the watcher's callback. It records the initial
// blue score and attempts the pending → confirming transition; rejection
// means the session expired first, and the payment is dropped on the floor.
func (m *Manager) handleDetection(sessionID, address, txID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	score, err := m.watcher.CurrentBlueScore(ctx)
	if err != nil {
		// Without a blue score the confirmation count has no anchor.
		// The detected flag is already set, so a plain retry is safe.
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("session.blue_score_unavailable")
		time.AfterFunc(5*time.Second, func() { m.handleDetection(sessionID, address, txID) })
		return
	}

	accepted, sess, err := m.store.MarkPaymentReceived(ctx, sessionID, txID, score, time.Now().UTC())
	if err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("session.mark_payment_failed")
		return
	}
	m.watcher.Unmonitor(address)

	if !accepted {
		m.log.Warn().
			Str("session_id", sessionID).
			Str("tx_id", txID).
			Str("status", string(sess.Status)).
			Msg("session.payment_rejected")
		if sess.Status == storage.StatusExpired {
			// Expired in place by the payment transaction itself.
			m.metrics.SessionsActive.Dec()
			m.emitTransition(sess, storage.StatusPending)
		}
		return
	}

	m.metrics.ObserveTransition(string(storage.StatusPending), string(storage.StatusConfirming))
	m.log.Info().
		Str("session_id", sess.ID).
		Str("tx_id", txID).
		Uint64("initial_blue_score", score).
		Msg("session.payment_received")

	m.emitTransition(sess, storage.StatusPending)
	if m.OnPaymentDetected != nil {
		m.OnPaymentDetected(sess)
	}
}

// Cancel expires a pending session on merchant request.
func (m *Manager) Cancel(ctx context.Context, id string) (storage.Session, error) {
	sess, err := m.store.MarkExpired(ctx, id, time.Now().UTC())
	if err != nil {
		return storage.Session{}, err
	}
	m.watcher.Unmonitor(sess.Address)
	m.metrics.SessionsActive.Dec()
	m.metrics.ObserveTransition(string(storage.StatusPending), string(storage.StatusExpired))
	m.emitTransition(sess, storage.StatusPending)
	return sess, nil
}

// MarkConfirmed finalizes a confirming session once the threshold is reached.
func (m *Manager) MarkConfirmed(ctx context.Context, id string, confirmations uint64) (storage.Session, error) {
	sess, err := m.store.MarkConfirmed(ctx, id, confirmations, time.Now().UTC())
	if err != nil {
		return storage.Session{}, err
	}
	m.metrics.SessionsActive.Dec()
	m.metrics.ObserveTransition(string(storage.StatusConfirming), string(storage.StatusConfirmed))
	m.log.Info().Str("session_id", id).Uint64("confirmations", confirmations).Msg("session.confirmed")
	m.emitTransition(sess, storage.StatusConfirming)
	return sess, nil
}

// MarkFailed moves a confirming session to failed.
func (m *Manager) MarkFailed(ctx context.Context, id string) (storage.Session, error) {
	sess, err := m.store.MarkFailed(ctx, id, time.Now().UTC())
	if err != nil {
		return storage.Session{}, err
	}
	m.metrics.SessionsActive.Dec()
	m.metrics.ObserveTransition(string(storage.StatusConfirming), string(storage.StatusFailed))
	m.emitTransition(sess, storage.StatusConfirming)
	return sess, nil
}

// RecordConfirmations persists a confirmation count (monotonically clamped
// by the store) and notifies subscribers.
func (m *Manager) RecordConfirmations(ctx context.Context, id string, count uint64) error {
	if err := m.store.UpdateConfirmations(ctx, id, count); err != nil {
		return err
	}
	if m.OnConfirmations != nil {
		m.OnConfirmations(id, count)
	}
	return nil
}

// Get fetches a session.
func (m *Manager) Get(ctx context.Context, id string) (storage.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List pages a merchant's sessions.
func (m *Manager) List(ctx context.Context, merchantID string, status storage.SessionStatus, limit, offset int) ([]storage.Session, int64, error) {
	return m.store.ListMerchantSessions(ctx, merchantID, status, limit, offset)
}

// Stats returns the merchant's per-status counts and confirmed volume.
func (m *Manager) Stats(ctx context.Context, merchantID string) (storage.MerchantStats, error) {
	return m.store.MerchantStats(ctx, merchantID)
}

// VerifyToken checks a subscription token in constant time.
func (m *Manager) VerifyToken(ctx context.Context, sessionID, token string) bool {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sess.SubscriptionToken), []byte(token)) == 1
}

// RequiredConfirmations exposes the confirmation threshold.
func (m *Manager) RequiredConfirmations() uint64 {
	return m.cfg.RequiredConfirmations
}

// Rehydrate re-establishes address monitoring for every pending session
// after a restart. Confirming sessions belong to the confirmation tracker.
func (m *Manager) Rehydrate(ctx context.Context) error {
	pending, err := m.store.ListSessionsByStatus(ctx, storage.StatusPending)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sess := range pending {
		if !now.Before(sess.ExpiresAt) {
			continue // the first sweep will expire it
		}
		m.monitor(ctx, sess)
		m.metrics.SessionsActive.Inc()
	}
	if len(pending) > 0 {
		m.log.Info().Int("count", len(pending)).Msg("session.rehydrated")
	}
	return nil
}

// Start launches the expiry sweep worker.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop terminates the sweep worker.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.SweepOnce(context.Background())
		}
	}
}

// SweepOnce expires every pending session past its deadline and emits the
// corresponding notifications. Idempotent: a second call finds nothing.
func (m *Manager) SweepOnce(ctx context.Context) {
	expired, err := m.store.ExpireOldSessions(ctx, time.Now().UTC())
	if err != nil {
		m.log.Error().Err(err).Msg("session.sweep_failed")
		return
	}
	for _, sess := range expired {
		m.watcher.Unmonitor(sess.Address)
		m.metrics.SessionsActive.Dec()
		m.metrics.ObserveTransition(string(storage.StatusPending), string(storage.StatusExpired))
		m.emitTransition(sess, storage.StatusPending)
	}
	if len(expired) > 0 {
		m.log.Info().Int("count", len(expired)).Msg("session.sweep_expired")
	}
}

func (m *Manager) emitTransition(sess storage.Session, from storage.SessionStatus) {
	if m.OnTransition != nil {
		m.OnTransition(sess, from)
	}
}
