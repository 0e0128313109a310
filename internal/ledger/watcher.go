package ledger

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/logger"
	"github.com/KasGate/server/internal/metrics"
)

// WatcherConfig tunes the hybrid watcher.
type WatcherConfig struct {
	PollInterval time.Duration
	Push         PushConfig
}

// Watcher observes the ledger for payments to monitored addresses. Push and
// poll backends feed the same observation path; the first qualifying total
// fires the callback exactly once per address.
type Watcher struct {
	cfg     WatcherConfig
	push    *PushClient
	indexer *IndexerClient
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu        sync.Mutex
	monitored map[string]*monitoredAddress

	pollBusy atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// monitoredAddress accumulates every output observed for an address across
// both backends, keyed by outpoint so races and re-deliveries merge cleanly.
type monitoredAddress struct {
	expected *big.Int
	callback Callback
	detected bool
	seen     map[string]UTXO
}

// NewWatcher builds the hybrid watcher over an indexer client. The push
// backend is wired internally from cfg.Push.
func NewWatcher(cfg WatcherConfig, indexer *IndexerClient, m *metrics.Metrics, log zerolog.Logger) *Watcher {
	w := &Watcher{
		cfg:       cfg,
		indexer:   indexer,
		metrics:   m,
		log:       log.With().Str("component", "watcher").Logger(),
		monitored: make(map[string]*monitoredAddress),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.push = NewPushClient(cfg.Push, func(address string, utxos []UTXO) {
		w.observe(address, utxos, "push")
	}, m, log)
	return w
}

// Start connects the push backend and begins polling. Poll always runs as a
// baseline regardless of push status: notifications can be dropped during
// network hiccups.
func (w *Watcher) Start() {
	w.push.Start()
	go w.pollLoop()
}

// Stop terminates both backends.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	w.push.Stop()
}

// PushConnected reports push-backend liveness for health checks.
func (w *Watcher) PushConnected() bool { return w.push.Connected() }

// IndexerHealthy reports whether the indexer breaker admits requests.
func (w *Watcher) IndexerHealthy() bool { return w.indexer.Healthy() }

// Monitor starts watching an address for a payment of at least
// expectedAmount (in sompi). The callback fires at most once; Unmonitor
// clears the entry.
func (w *Watcher) Monitor(ctx context.Context, address string, expectedAmount *big.Int, cb Callback) {
	w.mu.Lock()
	w.monitored[address] = &monitoredAddress{
		expected: expectedAmount,
		callback: cb,
		seen:     make(map[string]UTXO),
	}
	w.mu.Unlock()

	if err := w.push.Subscribe(ctx, address); err != nil {
		w.log.Warn().Err(err).Str("address", logger.TruncateAddress(address)).
			Msg("watcher.push_subscribe_failed")
	}

	// Catch outputs that landed before monitoring started.
	go w.pollAddress(address)
}

// Unmonitor stops watching an address and discards its observation state.
func (w *Watcher) Unmonitor(address string) {
	w.mu.Lock()
	delete(w.monitored, address)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.push.Unsubscribe(ctx, address)
}

// MonitoredCount returns the number of addresses currently watched.
func (w *Watcher) MonitoredCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.monitored)
}

// CurrentBlueScore reads the chain's blue score from the push backend when
// connected, falling back to the indexer.
func (w *Watcher) CurrentBlueScore(ctx context.Context) (uint64, error) {
	if w.push.Connected() {
		score, err := w.push.BlueScore(ctx)
		if err == nil {
			return score, nil
		}
		w.log.Warn().Err(err).Msg("watcher.node_blue_score_failed")
	}
	return w.indexer.BlueScore(ctx)
}

// observe merges freshly seen outputs into the address's accumulated set and
// fires the callback once the block-included total covers the expected
// amount. Mempool-only outputs are recorded but never counted.
func (w *Watcher) observe(address string, utxos []UTXO, backend string) {
	w.mu.Lock()
	entry, ok := w.monitored[address]
	if !ok || entry.detected {
		w.mu.Unlock()
		return
	}

	fresh := false
	for _, u := range utxos {
		key := u.OutpointKey()
		prev, exists := entry.seen[key]
		// An output can graduate from mempool to block-included; keep the
		// higher score.
		if !exists || u.BlockDAAScore > prev.BlockDAAScore {
			entry.seen[key] = u
			fresh = true
		}
	}
	if !fresh {
		w.mu.Unlock()
		return
	}

	all := make([]UTXO, 0, len(entry.seen))
	for _, u := range entry.seen {
		all = append(all, u)
	}
	total := IncludedTotal(all)

	if total.Cmp(entry.expected) < 0 {
		w.mu.Unlock()
		if total.Sign() > 0 {
			w.metrics.UnderpaymentsTotal.Inc()
		}
		w.log.Debug().
			Str("address", logger.TruncateAddress(address)).
			Str("backend", backend).
			Str("observed", total.String()).
			Str("expected", entry.expected.String()).
			Msg("watcher.waiting_for_full_amount")
		return
	}

	entry.detected = true
	cb := entry.callback
	w.mu.Unlock()

	w.metrics.DetectionsTotal.WithLabelValues(backend).Inc()
	amt, _ := new(big.Float).SetInt(total).Float64()
	w.metrics.DetectionAmount.Add(amt)

	w.log.Info().
		Str("address", logger.TruncateAddress(address)).
		Str("backend", backend).
		Str("total", total.String()).
		Msg("watcher.payment_detected")

	cb(address, largestIncludedTx(all), total, all)
}

// largestIncludedTx returns the transaction id of the biggest block-included
// output, the representative tx for the detection event.
func largestIncludedTx(utxos []UTXO) string {
	var txID string
	var max *big.Int
	for _, u := range utxos {
		if !u.Included() || u.AmountSompi == nil {
			continue
		}
		if max == nil || u.AmountSompi.Cmp(max) > 0 {
			max = u.AmountSompi
			txID = u.TxID
		}
	}
	return txID
}

func (w *Watcher) pollLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

// pollOnce fetches the UTXO set of every undetected address. The guard
// skips the tick entirely if the previous one is still running.
func (w *Watcher) pollOnce() {
	if !w.pollBusy.CompareAndSwap(false, true) {
		return
	}
	defer w.pollBusy.Store(false)

	w.mu.Lock()
	addrs := make([]string, 0, len(w.monitored))
	for a, entry := range w.monitored {
		if !entry.detected {
			addrs = append(addrs, a)
		}
	}
	w.mu.Unlock()

	for _, address := range addrs {
		select {
		case <-w.stop:
			return
		default:
		}
		w.pollAddress(address)
	}
}

func (w *Watcher) pollAddress(address string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	utxos, err := w.indexer.UTXOsForAddress(ctx, address)
	if err != nil {
		w.log.Debug().Err(err).
			Str("address", logger.TruncateAddress(address)).
			Msg("watcher.poll_failed")
		return
	}
	if len(utxos) > 0 {
		w.observe(address, utxos, "poll")
	}
}
