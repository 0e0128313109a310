package kasgate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/hub"
	"github.com/KasGate/server/internal/metrics"
	"github.com/KasGate/server/internal/storage"
	"github.com/KasGate/server/internal/webhook"
)

type noSessions struct{}

func (noSessions) VerifyToken(context.Context, string, string) bool { return false }
func (noSessions) Get(context.Context, string) (storage.Session, error) {
	return storage.Session{}, storage.ErrNotFound
}
func (noSessions) RequiredConfirmations() uint64 { return 10 }

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := metrics.New(prometheus.NewRegistry())
	log := zerolog.Nop()
	e := &Engine{
		log: log,
		dispatch: webhook.NewDispatcher(webhook.Config{
			Timeout:         5 * time.Second,
			MaxAttempts:     1,
			InitialInterval: time.Second,
			WorkerInterval:  time.Hour,
			SnippetLimit:    256,
		}, store, m, log),
		hub:    hub.New(noSessions{}, time.Minute, m, log),
		queues: make(map[string][]webhookJob),
	}
	return e, store
}

// Back-to-back transitions on one session must reach the merchant endpoint
// in transition order, even when an earlier delivery is slow.
func TestTransitionWebhooksDeliverInOrder(t *testing.T) {
	received := make(chan string, 2)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		received <- r.Header.Get("X-KasGate-Event")
	}))
	defer srv.Close()

	e, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	merch := storage.Merchant{
		ID: "m1", Name: "Shop", XPub: "kpub-order", APIKeyDigest: "digest-order",
		WebhookURL: srv.URL, WebhookSecret: "whsec", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateMerchant(ctx, merch); err != nil {
		t.Fatal(err)
	}
	sess := storage.Session{
		ID: "s1", MerchantID: "m1", AmountSompi: "100000", Status: storage.StatusPending,
		SubscriptionToken: "tok", CreatedAt: now, ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}
	created, err := store.CreateSession(ctx, sess, func(string, uint64) (string, error) {
		return "kaspa:qorder", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	created.Status = storage.StatusConfirming
	e.onTransition(created, storage.StatusPending)
	created.Status = storage.StatusConfirmed
	e.onTransition(created, storage.StatusConfirming)

	for _, want := range []string{"payment.confirming", "payment.confirmed"} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("event = %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("webhook %q never arrived", want)
		}
	}
}
