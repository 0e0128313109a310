package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/storage"
)

type fakeSessions struct {
	mu        sync.Mutex
	counts    map[string]uint64
	confirmed map[string]uint64
	markErr   error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{counts: make(map[string]uint64), confirmed: make(map[string]uint64)}
}

func (f *fakeSessions) RecordConfirmations(_ context.Context, id string, count uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[id] = count
	return nil
}

func (f *fakeSessions) MarkConfirmed(_ context.Context, id string, confirmations uint64) (storage.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return storage.Session{}, f.markErr
	}
	f.confirmed[id] = confirmations
	return storage.Session{ID: id, Status: storage.StatusConfirmed}, nil
}

func tracked(initial uint64) storage.Session {
	return storage.Session{ID: "sess-1", Status: storage.StatusConfirming, InitialBlueScore: &initial}
}

func newTestTracker(sessions Sessions, score *uint64) *Tracker {
	return NewTracker(time.Hour, 10, sessions, func(context.Context) (uint64, error) {
		return *score, nil
	}, zerolog.Nop())
}

func TestTickAdvancesConfirmations(t *testing.T) {
	sessions := newFakeSessions()
	score := uint64(1000)
	tr := newTestTracker(sessions, &score)

	tr.Track(tracked(1000))

	tr.Tick(context.Background())
	if sessions.counts["sess-1"] != 0 {
		t.Errorf("confirmations = %d, want 0", sessions.counts["sess-1"])
	}

	score = 1004
	tr.Tick(context.Background())
	if sessions.counts["sess-1"] != 4 {
		t.Errorf("confirmations = %d, want 4", sessions.counts["sess-1"])
	}
	if len(sessions.confirmed) != 0 {
		t.Error("confirmed before threshold")
	}
}

func TestTickConfirmsAtThreshold(t *testing.T) {
	sessions := newFakeSessions()
	score := uint64(1010)
	tr := newTestTracker(sessions, &score)

	tr.Track(tracked(1000))
	tr.Tick(context.Background())

	if sessions.confirmed["sess-1"] != 10 {
		t.Errorf("confirmed at %d, want 10", sessions.confirmed["sess-1"])
	}
	if tr.TrackedCount() != 0 {
		t.Error("session still tracked after confirmation")
	}

	// Further ticks are no-ops.
	score = 1020
	tr.Tick(context.Background())
	if sessions.counts["sess-1"] != 10 {
		t.Errorf("count changed after untrack: %d", sessions.counts["sess-1"])
	}
}

func TestTickSkipsWhenScoreRegresses(t *testing.T) {
	sessions := newFakeSessions()
	score := uint64(990) // below the recorded initial: reorg or restart
	tr := newTestTracker(sessions, &score)

	tr.Track(tracked(1000))
	tr.Tick(context.Background())

	if _, touched := sessions.counts["sess-1"]; touched {
		t.Error("session updated despite score regression")
	}
	if tr.TrackedCount() != 1 {
		t.Error("session dropped on regression")
	}
}

func TestInvalidTransitionStopsTracking(t *testing.T) {
	sessions := newFakeSessions()
	sessions.markErr = storage.ErrInvalidTransition
	score := uint64(1010)
	tr := newTestTracker(sessions, &score)

	tr.Track(tracked(1000))
	tr.Tick(context.Background())

	if tr.TrackedCount() != 0 {
		t.Error("session tracked after invalid-transition finalize")
	}
}

func TestBlueScoreErrorLeavesStateUntouched(t *testing.T) {
	sessions := newFakeSessions()
	tr := NewTracker(time.Hour, 10, sessions, func(context.Context) (uint64, error) {
		return 0, errors.New("node down")
	}, zerolog.Nop())

	tr.Track(tracked(1000))
	tr.Tick(context.Background())

	if len(sessions.counts) != 0 || tr.TrackedCount() != 1 {
		t.Error("failed tick mutated state")
	}
}

func TestTrackRequiresInitialScore(t *testing.T) {
	sessions := newFakeSessions()
	score := uint64(1000)
	tr := newTestTracker(sessions, &score)

	tr.Track(storage.Session{ID: "no-score", Status: storage.StatusConfirming})
	if tr.TrackedCount() != 0 {
		t.Error("session without initial blue score tracked")
	}
}

func TestRehydrate(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	merch := storage.Merchant{ID: "m1", Name: "Shop", XPub: "kpub-test",
		WebhookSecret: "whsec", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateMerchant(ctx, merch); err != nil {
		t.Fatal(err)
	}
	sess := storage.Session{
		ID: "s1", MerchantID: "m1", AmountSompi: "100", Status: storage.StatusPending,
		SubscriptionToken: "tok", CreatedAt: now, ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}
	if _, err := store.CreateSession(ctx, sess, func(string, uint64) (string, error) {
		return "kaspa:qrehydrate", nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.MarkPaymentReceived(ctx, "s1", "tx", 777, now); err != nil {
		t.Fatal(err)
	}

	sessions := newFakeSessions()
	score := uint64(800)
	tr := newTestTracker(sessions, &score)
	if err := tr.Rehydrate(ctx, store); err != nil {
		t.Fatal(err)
	}
	if tr.TrackedCount() != 1 {
		t.Fatalf("tracked = %d", tr.TrackedCount())
	}

	tr.Tick(ctx)
	if sessions.counts["s1"] != 23 {
		t.Errorf("confirmations = %d, want 23", sessions.counts["s1"])
	}
}

// The tick loop must bound each pass, or a hung blue-score read would hold
// the busy guard and silently stop confirmation tracking.
func TestLoopTicksWithDeadline(t *testing.T) {
	sessions := newFakeSessions()
	got := make(chan bool, 1)
	tr := NewTracker(10*time.Millisecond, 10, sessions, func(ctx context.Context) (uint64, error) {
		_, ok := ctx.Deadline()
		select {
		case got <- ok:
		default:
		}
		return 1000, nil
	}, zerolog.Nop())

	tr.Track(tracked(1000))
	tr.Start()
	defer tr.Stop()

	select {
	case hasDeadline := <-got:
		if !hasDeadline {
			t.Error("tick ran without a deadline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick never ran")
	}
}
