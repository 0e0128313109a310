package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/metrics"
)

func newTestWatcher(t *testing.T, indexerURL string) *Watcher {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	idx := NewIndexerClient(indexerURL, 2*time.Second, m, zerolog.Nop())
	return NewWatcher(WatcherConfig{
		PollInterval: time.Hour, // tests drive observation directly
		Push: PushConfig{
			ConnectTimeout:  time.Second,
			FallbackTimeout: time.Second,
			ReconnectBase:   time.Second,
			ReconnectCap:    time.Second,
		},
	}, idx, m, zerolog.Nop())
}

func utxo(txID string, index uint32, amount int64, score uint64) UTXO {
	return UTXO{
		TxID:          txID,
		Index:         index,
		AmountSompi:   big.NewInt(amount),
		BlockDAAScore: score,
	}
}

func TestCallbackFiresOnceAcrossBackendRace(t *testing.T) {
	w := newTestWatcher(t, "http://unused.invalid")

	var mu sync.Mutex
	calls := 0
	w.Monitor(context.Background(), "kaspa:qaddr1", big.NewInt(100), func(addr, txID string, total *big.Int, _ []UTXO) {
		mu.Lock()
		calls++
		mu.Unlock()
		if txID != "tx-a" {
			t.Errorf("txID = %s", txID)
		}
		if total.Int64() != 150 {
			t.Errorf("total = %s", total)
		}
	})

	// Both backends report the same output; one extra output arrives too.
	payment := []UTXO{utxo("tx-a", 0, 150, 7)}
	w.observe("kaspa:qaddr1", payment, "push")
	w.observe("kaspa:qaddr1", payment, "poll")
	w.observe("kaspa:qaddr1", []UTXO{utxo("tx-b", 0, 50, 8)}, "poll")

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("callback fired %d times, want 1", calls)
	}
}

func TestUnderpaymentAccumulates(t *testing.T) {
	w := newTestWatcher(t, "http://unused.invalid")

	var got *big.Int
	w.Monitor(context.Background(), "kaspa:qaddr2", big.NewInt(100_000_000), func(_, _ string, total *big.Int, _ []UTXO) {
		got = total
	})

	w.observe("kaspa:qaddr2", []UTXO{utxo("tx-1", 0, 40_000_000, 3)}, "poll")
	if got != nil {
		t.Fatal("underpayment triggered detection")
	}
	w.observe("kaspa:qaddr2", []UTXO{utxo("tx-2", 0, 60_000_000, 4)}, "push")
	if got == nil {
		t.Fatal("combined payments not detected")
	}
	if got.Int64() != 100_000_000 {
		t.Errorf("total = %s", got)
	}
}

func TestMempoolOutputsExcluded(t *testing.T) {
	w := newTestWatcher(t, "http://unused.invalid")

	fired := false
	w.Monitor(context.Background(), "kaspa:qaddr3", big.NewInt(100), func(_, _ string, _ *big.Int, _ []UTXO) {
		fired = true
	})

	// Mempool-only: blockDaaScore = 0 never counts.
	w.observe("kaspa:qaddr3", []UTXO{utxo("tx-m", 0, 500, 0)}, "push")
	if fired {
		t.Fatal("mempool-only output triggered detection")
	}

	// The same outpoint graduates to block inclusion.
	w.observe("kaspa:qaddr3", []UTXO{utxo("tx-m", 0, 500, 1)}, "poll")
	if !fired {
		t.Fatal("block-included output not detected")
	}
}

func TestUnmonitorStopsDetection(t *testing.T) {
	w := newTestWatcher(t, "http://unused.invalid")

	fired := false
	w.Monitor(context.Background(), "kaspa:qaddr4", big.NewInt(1), func(_, _ string, _ *big.Int, _ []UTXO) {
		fired = true
	})
	if w.MonitoredCount() != 1 {
		t.Fatalf("monitored = %d", w.MonitoredCount())
	}

	w.Unmonitor("kaspa:qaddr4")
	w.observe("kaspa:qaddr4", []UTXO{utxo("tx", 0, 10, 5)}, "poll")

	if fired {
		t.Error("callback fired after unmonitor")
	}
	if w.MonitoredCount() != 0 {
		t.Errorf("monitored = %d after unmonitor", w.MonitoredCount())
	}
}

func TestPollBackendDetectsViaIndexer(t *testing.T) {
	address := "kaspa:qpolltest"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/addresses/"+address+"/utxos" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `[{
			"address": "`+address+`",
			"outpoint": {"transactionId": "tx-poll", "index": 1},
			"utxoEntry": {
				"amount": "100000000",
				"blockDaaScore": "48723293",
				"scriptPublicKey": {"scriptPublicKey": "20aabb"}
			}
		}]`)
	}))
	defer srv.Close()

	w := newTestWatcher(t, srv.URL)

	done := make(chan struct{})
	w.Monitor(context.Background(), address, big.NewInt(100_000_000), func(_, txID string, total *big.Int, utxos []UTXO) {
		if txID != "tx-poll" || total.String() != "100000000" || len(utxos) != 1 {
			t.Errorf("detection: tx=%s total=%s n=%d", txID, total, len(utxos))
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll detection did not fire")
	}
}

func TestIndexerBlueScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info/virtual-chain-blue-score" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]uint64{"blueScore": 87229431})
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	idx := NewIndexerClient(srv.URL, 2*time.Second, m, zerolog.Nop())

	score, err := idx.BlueScore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if score != 87229431 {
		t.Errorf("score = %d", score)
	}
}

func TestIncludedTotal(t *testing.T) {
	total := IncludedTotal([]UTXO{
		utxo("a", 0, 100, 1),
		utxo("b", 0, 50, 0), // mempool, excluded
		utxo("c", 0, 25, 9),
	})
	if total.Int64() != 125 {
		t.Errorf("total = %s", total)
	}
}

// fakeNode is a minimal wRPC endpoint: it answers the calls the push client
// makes and emits a utxos-changed notification right after a subscribe.
func fakeNode(t *testing.T, address string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req struct {
				ID     uint64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "getSinkBlueScore":
				conn.WriteJSON(map[string]any{"id": req.ID, "params": map[string]any{"blueScore": 9000}})
			case "getUtxosByAddresses":
				conn.WriteJSON(map[string]any{"id": req.ID, "params": map[string]any{"entries": []any{}}})
			case "subscribeUtxosChanged":
				conn.WriteJSON(map[string]any{"id": req.ID, "params": map[string]any{}})
				conn.WriteJSON(map[string]any{"method": "utxos-changed", "params": map[string]any{
					"added": []map[string]any{{
						"address":  address,
						"outpoint": map[string]any{"transactionId": "tx-push", "index": 0},
						"utxoEntry": map[string]any{
							"amount":        100000000,
							"blockDaaScore": 5,
						},
					}},
				}})
			default:
				conn.WriteJSON(map[string]any{"id": req.ID, "params": map[string]any{}})
			}
		}
	}))
}

// The notification callback runs off the read loop, so it is free to make
// calls on the same connection it was notified from.
func TestPushCallbackCanUseConnection(t *testing.T) {
	address := "kaspa:qpushloop"
	srv := fakeNode(t, address)
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	done := make(chan error, 1)
	var c *PushClient
	c = NewPushClient(PushConfig{
		Endpoints:       []string{"ws" + strings.TrimPrefix(srv.URL, "http")},
		ConnectTimeout:  2 * time.Second,
		FallbackTimeout: time.Second,
		ReconnectBase:   100 * time.Millisecond,
		ReconnectCap:    time.Second,
	}, func(addr string, utxos []UTXO) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		score, err := c.BlueScore(ctx)
		if err == nil && score != 9000 {
			err = fmt.Errorf("score = %d", score)
		}
		done <- err
	}, m, zerolog.Nop())
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("push client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Subscribe(ctx, address); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("callback call over the connection: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never reached the callback")
	}
}
