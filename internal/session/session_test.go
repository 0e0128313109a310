package session

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/kaspa"
	"github.com/KasGate/server/internal/ledger"
	"github.com/KasGate/server/internal/metrics"
	"github.com/KasGate/server/internal/storage"
)

const testXPub = "kpub" + "2J7VvyZETSnsP4DHVs7odKR5rKLw5Ad6NcTGzNuqGYzRPziBkEdoTZqCPKGZKBSNcQJQCvYALpw9HzFRXnsejdiQdFPq2QbMXHuKiK"

type fakeWatcher struct {
	mu          sync.Mutex
	callbacks   map[string]ledger.Callback
	unmonitored []string
	blueScore   uint64
	scoreErr    error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{callbacks: make(map[string]ledger.Callback), blueScore: 1000}
}

func (f *fakeWatcher) Monitor(_ context.Context, address string, _ *big.Int, cb ledger.Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[address] = cb
}

func (f *fakeWatcher) Unmonitor(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmonitored = append(f.unmonitored, address)
	delete(f.callbacks, address)
}

func (f *fakeWatcher) CurrentBlueScore(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blueScore, f.scoreErr
}

func (f *fakeWatcher) fire(address, txID string) {
	f.mu.Lock()
	cb := f.callbacks[address]
	f.mu.Unlock()
	if cb != nil {
		cb(address, txID, big.NewInt(0), nil)
	}
}

func (f *fakeWatcher) monitoring(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.callbacks[address]
	return ok
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeWatcher, storage.Merchant) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	merch := storage.Merchant{
		ID:            uuid.NewString(),
		Name:          "Shop",
		XPub:          testXPub,
		WebhookSecret: "whsec_test",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateMerchant(context.Background(), merch); err != nil {
		t.Fatalf("seed merchant: %v", err)
	}

	if cfg.TTL == 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MinAmountSompi == 0 {
		cfg.MinAmountSompi = 100_000
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 10
	}

	params, _ := kaspa.ParamsFor("mainnet")
	watcher := newFakeWatcher()
	mgr := NewManager(cfg, store, kaspa.NewDeriver(params), watcher,
		metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	return mgr, watcher, merch
}

func TestCreateValidation(t *testing.T) {
	mgr, _, merch := newTestManager(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{"empty amount", CreateParams{AmountKAS: ""}, ErrInvalidAmount},
		{"negative", CreateParams{AmountKAS: "-1"}, ErrInvalidAmount},
		{"too many decimals", CreateParams{AmountKAS: "1.123456789"}, ErrInvalidAmount},
		{"one sompi below minimum", CreateParams{AmountKAS: "0.00099999"}, ErrAmountTooSmall},
		{"order id too long", CreateParams{AmountKAS: "1", OrderID: strings.Repeat("x", 101)}, ErrInvalidOrderID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mgr.Create(ctx, merch, tc.params); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	// Exactly the minimum is accepted.
	sess, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "0.001", OrderID: "ORDER-001"})
	if err != nil {
		t.Fatalf("minimum amount rejected: %v", err)
	}
	if sess.AmountSompi != "100000" || sess.Status != storage.StatusPending {
		t.Errorf("session = %+v", sess)
	}
	if sess.Address == "" || sess.SubscriptionToken == "" {
		t.Error("address or token missing")
	}
}

func TestMetadataSizeBoundary(t *testing.T) {
	mgr, _, merch := newTestManager(t, Config{})
	ctx := context.Background()

	oversized := map[string]string{}
	for _, k := range []string{"aa", "bb", "cc"} {
		oversized[k] = strings.Repeat("v", 400)
	}
	if _, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "1", Metadata: oversized}); !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("oversized metadata: %v", err)
	}

	if _, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "1", Metadata: map[string]string{"order": "12345"}}); err != nil {
		t.Errorf("small metadata rejected: %v", err)
	}
}

func TestDetectionMovesSessionToConfirming(t *testing.T) {
	mgr, watcher, merch := newTestManager(t, Config{})
	ctx := context.Background()

	var (
		transitions []storage.SessionStatus
		detected    *storage.Session
	)
	mgr.OnTransition = func(sess storage.Session, from storage.SessionStatus) {
		transitions = append(transitions, sess.Status)
	}
	mgr.OnPaymentDetected = func(sess storage.Session) { detected = &sess }

	sess, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "1.0"})
	if err != nil {
		t.Fatal(err)
	}
	if !watcher.monitoring(sess.Address) {
		t.Fatal("address not monitored after create")
	}

	watcher.blueScore = 5000
	watcher.fire(sess.Address, "tx-abc")

	got, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusConfirming || got.TxID != "tx-abc" {
		t.Errorf("session = %s tx=%s", got.Status, got.TxID)
	}
	if got.InitialBlueScore == nil || *got.InitialBlueScore != 5000 {
		t.Error("initial blue score not recorded")
	}
	if detected == nil || detected.ID != sess.ID {
		t.Error("payment-detected hook not fired")
	}
	if len(transitions) != 1 || transitions[0] != storage.StatusConfirming {
		t.Errorf("transitions = %v", transitions)
	}
	if watcher.monitoring(sess.Address) {
		t.Error("address still monitored after detection")
	}
}

func TestDetectionAfterExpiryIsDropped(t *testing.T) {
	mgr, watcher, merch := newTestManager(t, Config{TTL: time.Millisecond})
	ctx := context.Background()

	var expired bool
	mgr.OnTransition = func(sess storage.Session, _ storage.SessionStatus) {
		if sess.Status == storage.StatusExpired {
			expired = true
		}
	}
	mgr.OnPaymentDetected = func(storage.Session) {
		t.Error("payment-detected fired for an expired session")
	}

	sess, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "1"})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	watcher.fire(sess.Address, "tx-late")

	got, _ := mgr.Get(ctx, sess.ID)
	if got.Status != storage.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got.TxID != "" {
		t.Error("rejected payment wrote tx_id")
	}
	if !expired {
		t.Error("expiry notification not emitted")
	}
}

func TestCancelAndConfirmLifecycle(t *testing.T) {
	mgr, watcher, merch := newTestManager(t, Config{})
	ctx := context.Background()

	// Cancel a pending session.
	sess, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "1"})
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := mgr.Cancel(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != storage.StatusExpired {
		t.Errorf("status = %s", cancelled.Status)
	}
	if _, err := mgr.Cancel(ctx, sess.ID); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("second cancel: %v", err)
	}

	// Full confirm path.
	sess2, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "2"})
	if err != nil {
		t.Fatal(err)
	}
	watcher.fire(sess2.Address, "tx-2")
	if err := mgr.RecordConfirmations(ctx, sess2.ID, 4); err != nil {
		t.Fatal(err)
	}
	confirmed, err := mgr.MarkConfirmed(ctx, sess2.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Status != storage.StatusConfirmed || confirmed.Confirmations != 10 {
		t.Errorf("confirmed = %+v", confirmed)
	}
	if _, err := mgr.MarkFailed(ctx, sess2.ID); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("fail after confirm: %v", err)
	}
}

func TestVerifyToken(t *testing.T) {
	mgr, _, merch := newTestManager(t, Config{})
	ctx := context.Background()

	sess, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "1"})
	if err != nil {
		t.Fatal(err)
	}

	if !mgr.VerifyToken(ctx, sess.ID, sess.SubscriptionToken) {
		t.Error("valid token rejected")
	}
	if mgr.VerifyToken(ctx, sess.ID, "wrong") {
		t.Error("wrong token accepted")
	}
	if mgr.VerifyToken(ctx, "no-such-session", sess.SubscriptionToken) {
		t.Error("unknown session accepted")
	}
}

func TestSweepEmitsAndUnmonitors(t *testing.T) {
	mgr, watcher, merch := newTestManager(t, Config{TTL: time.Millisecond})
	ctx := context.Background()

	var events int
	mgr.OnTransition = func(sess storage.Session, _ storage.SessionStatus) {
		if sess.Status == storage.StatusExpired {
			events++
		}
	}

	s1, _ := mgr.Create(ctx, merch, CreateParams{AmountKAS: "1"})
	s2, _ := mgr.Create(ctx, merch, CreateParams{AmountKAS: "2"})
	time.Sleep(5 * time.Millisecond)

	mgr.SweepOnce(ctx)
	if events != 2 {
		t.Errorf("expiry events = %d, want 2", events)
	}
	if watcher.monitoring(s1.Address) || watcher.monitoring(s2.Address) {
		t.Error("expired addresses still monitored")
	}

	mgr.SweepOnce(ctx)
	if events != 2 {
		t.Errorf("second sweep re-emitted: events = %d", events)
	}
}

func TestRehydrateRestoresMonitoring(t *testing.T) {
	mgr, watcher, merch := newTestManager(t, Config{})
	ctx := context.Background()

	sess, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "1"})
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a restart: monitoring state is gone.
	watcher.Unmonitor(sess.Address)
	if watcher.monitoring(sess.Address) {
		t.Fatal("setup: still monitored")
	}

	if err := mgr.Rehydrate(ctx); err != nil {
		t.Fatal(err)
	}
	if !watcher.monitoring(sess.Address) {
		t.Error("pending session not re-monitored")
	}
}

func TestAnalyticsWindow(t *testing.T) {
	mgr, watcher, merch := newTestManager(t, Config{})
	ctx := context.Background()

	sess, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "1", OrderID: "ORDER-1"})
	if err != nil {
		t.Fatal(err)
	}
	watcher.fire(sess.Address, "tx-1")
	if _, err := mgr.MarkConfirmed(ctx, sess.ID, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Create(ctx, merch, CreateParams{AmountKAS: "3"}); err != nil {
		t.Fatal(err)
	}

	a, err := mgr.Analytics(ctx, merch.ID, AnalyticsParams{Period: "7d"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Sessions != 2 || a.ConfirmedVolumeSompi != "100000000" {
		t.Errorf("analytics = %+v", a)
	}
	if a.SessionsChangePct != nil {
		t.Error("change pct should be nil with an empty previous period")
	}
	if len(a.TopPayments) != 1 || a.TopPayments[0].SessionID != sess.ID {
		t.Errorf("top payments = %+v", a.TopPayments)
	}
	if a.StatusDistribution[storage.StatusConfirmed] != 1 || a.StatusDistribution[storage.StatusPending] != 1 {
		t.Errorf("distribution = %+v", a.StatusDistribution)
	}

	if _, err := mgr.Analytics(ctx, merch.ID, AnalyticsParams{Period: "bogus"}); err == nil {
		t.Error("unknown period accepted")
	}
}
