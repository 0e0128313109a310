package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/metrics"
	"github.com/KasGate/server/internal/storage"
)

type fakeSessions struct {
	sess  storage.Session
	token string
}

func (f *fakeSessions) VerifyToken(_ context.Context, sessionID, token string) bool {
	return sessionID == f.sess.ID && token == f.token
}

func (f *fakeSessions) Get(_ context.Context, id string) (storage.Session, error) {
	if id != f.sess.ID {
		return storage.Session{}, storage.ErrNotFound
	}
	return f.sess, nil
}

func (f *fakeSessions) RequiredConfirmations() uint64 { return 10 }

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func setupHub(t *testing.T) (*Hub, *httptest.Server, *fakeSessions) {
	t.Helper()
	sessions := &fakeSessions{
		sess: storage.Session{
			ID:          "sess-1",
			Status:      storage.StatusPending,
			Address:     "kaspa:qhubtest",
			AmountSompi: "100000000",
			ExpiresAt:   time.Now().Add(15 * time.Minute),
		},
		token: "tok-valid",
	}
	h := New(sessions, time.Minute, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv, sessions
}

func TestSubscribeReplaysSessionState(t *testing.T) {
	h, srv, _ := setupHub(t)
	conn := dial(t, srv)

	conn.WriteJSON(map[string]string{"type": "subscribe", "sessionId": "sess-1", "token": "tok-valid"})
	msg := readMessage(t, conn)

	if msg["type"] != "session" || msg["sessionId"] != "sess-1" || msg["status"] != "pending" {
		t.Errorf("snapshot = %v", msg)
	}
	if msg["amountSompi"] != "100000000" || msg["required"] != float64(10) {
		t.Errorf("snapshot = %v", msg)
	}
	if _, leaked := msg["subscriptionToken"]; leaked {
		t.Error("snapshot leaked the subscription token")
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount("sess-1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribeRejectsBadToken(t *testing.T) {
	h, srv, _ := setupHub(t)
	conn := dial(t, srv)

	conn.WriteJSON(map[string]string{"type": "subscribe", "sessionId": "sess-1", "token": "wrong"})
	msg := readMessage(t, conn)

	if msg["type"] != "error" {
		t.Errorf("msg = %v", msg)
	}
	if h.SubscriberCount("sess-1") != 0 {
		t.Error("client registered despite bad token")
	}
}

func TestPingPong(t *testing.T) {
	_, srv, _ := setupHub(t)
	conn := dial(t, srv)

	conn.WriteJSON(map[string]string{"type": "ping"})
	if msg := readMessage(t, conn); msg["type"] != "pong" {
		t.Errorf("msg = %v", msg)
	}
}

func TestBroadcastsReachSubscribersOnly(t *testing.T) {
	h, srv, sessions := setupHub(t)

	sub := dial(t, srv)
	sub.WriteJSON(map[string]string{"type": "subscribe", "sessionId": "sess-1", "token": "tok-valid"})
	readMessage(t, sub) // snapshot

	bystander := dial(t, srv)
	bystander.WriteJSON(map[string]string{"type": "ping"})
	readMessage(t, bystander) // pong, proves the connection is live

	sessions.sess.Status = storage.StatusConfirming
	sessions.sess.Confirmations = 3
	h.BroadcastStatus(sessions.sess)

	msg := readMessage(t, sub)
	if msg["type"] != "status" || msg["status"] != "confirming" || msg["confirmations"] != float64(3) {
		t.Errorf("status broadcast = %v", msg)
	}

	h.BroadcastConfirmations("sess-1", 5)
	msg = readMessage(t, sub)
	if msg["type"] != "confirmations" || msg["confirmations"] != float64(5) || msg["required"] != float64(10) {
		t.Errorf("confirmations broadcast = %v", msg)
	}

	// The bystander got nothing.
	bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray json.RawMessage
	if err := bystander.ReadJSON(&stray); err == nil {
		t.Errorf("bystander received %s", stray)
	}
}

func TestUnsubscribeStopsBroadcasts(t *testing.T) {
	h, srv, sessions := setupHub(t)
	conn := dial(t, srv)

	conn.WriteJSON(map[string]string{"type": "subscribe", "sessionId": "sess-1", "token": "tok-valid"})
	readMessage(t, conn)

	conn.WriteJSON(map[string]string{"type": "unsubscribe", "sessionId": "sess-1"})

	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount("sess-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("unsubscribe not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.BroadcastStatus(sessions.sess)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray json.RawMessage
	if err := conn.ReadJSON(&stray); err == nil {
		t.Errorf("received %s after unsubscribe", stray)
	}
}

func TestUnknownMessageType(t *testing.T) {
	_, srv, _ := setupHub(t)
	conn := dial(t, srv)

	conn.WriteJSON(map[string]string{"type": "bogus"})
	if msg := readMessage(t, conn); msg["type"] != "error" {
		t.Errorf("msg = %v", msg)
	}
}

// A send racing the client's removal is dropped, never a panic on the closed
// channel.
func TestSendAfterRemoveIsDropped(t *testing.T) {
	h := New(&fakeSessions{}, time.Minute, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	c := &client{hub: h, send: make(chan []byte, sendBufferSize), subs: map[string]struct{}{"sess-1": {}}}
	h.clients[c] = struct{}{}
	h.bySession["sess-1"] = map[*client]struct{}{c: {}}

	h.remove(c)
	c.trySend([]byte(`{"type":"status"}`))

	if _, open := <-c.send; open {
		t.Error("message enqueued after remove")
	}
}

func TestConcurrentSendsAndRemove(t *testing.T) {
	h := New(&fakeSessions{}, time.Minute, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	c := &client{hub: h, send: make(chan []byte, sendBufferSize), subs: make(map[string]struct{})}
	h.clients[c] = struct{}{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.trySend([]byte("x"))
			}
		}()
	}
	h.remove(c)
	wg.Wait()
}
