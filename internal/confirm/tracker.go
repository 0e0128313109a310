// Package confirm counts confirmations for sessions awaiting finality.
// Confirmations are the blue-score distance from the score recorded at
// payment detection; once the distance reaches the threshold the session is
// confirmed and tracking stops.
package confirm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/storage"
)

// Sessions is the slice of the session manager the tracker drives.
type Sessions interface {
	RecordConfirmations(ctx context.Context, id string, count uint64) error
	MarkConfirmed(ctx context.Context, id string, confirmations uint64) (storage.Session, error)
}

// Tracker polls the chain's blue score on an interval and advances every
// tracked session's confirmation count.
type Tracker struct {
	interval  time.Duration
	threshold uint64
	sessions  Sessions
	blueScore func(ctx context.Context) (uint64, error)
	log       zerolog.Logger

	mu      sync.Mutex
	tracked map[string]uint64 // session id → initial blue score

	busy atomic.Bool
	stop chan struct{}
	done chan struct{}
}

// NewTracker builds a tracker. blueScore is the watcher's hybrid
// push-else-indexer read.
func NewTracker(interval time.Duration, threshold uint64, sessions Sessions, blueScore func(ctx context.Context) (uint64, error), log zerolog.Logger) *Tracker {
	return &Tracker{
		interval:  interval,
		threshold: threshold,
		sessions:  sessions,
		blueScore: blueScore,
		log:       log.With().Str("component", "confirm").Logger(),
		tracked:   make(map[string]uint64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Track starts counting confirmations for a confirming session. Sessions
// without a recorded initial blue score cannot be tracked.
func (t *Tracker) Track(sess storage.Session) {
	if sess.InitialBlueScore == nil {
		t.log.Error().Str("session_id", sess.ID).Msg("confirm.missing_initial_blue_score")
		return
	}
	t.mu.Lock()
	t.tracked[sess.ID] = *sess.InitialBlueScore
	t.mu.Unlock()
}

// Untrack drops a session, used when it fails or is finalized elsewhere.
func (t *Tracker) Untrack(sessionID string) {
	t.mu.Lock()
	delete(t.tracked, sessionID)
	t.mu.Unlock()
}

// TrackedCount returns the number of sessions currently tracked.
func (t *Tracker) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// Rehydrate reloads tracking state from confirming rows after a restart.
func (t *Tracker) Rehydrate(ctx context.Context, store *storage.Store) error {
	confirming, err := store.ListSessionsByStatus(ctx, storage.StatusConfirming)
	if err != nil {
		return err
	}
	for _, sess := range confirming {
		t.Track(sess)
	}
	if len(confirming) > 0 {
		t.log.Info().Int("count", len(confirming)).Msg("confirm.rehydrated")
	}
	return nil
}

// Start launches the tick loop.
func (t *Tracker) Start() {
	go t.loop()
}

// Stop terminates the tick loop.
func (t *Tracker) Stop() {
	close(t.stop)
	<-t.done
}

// tickTimeout bounds a single tick so a stalled blue-score read cannot wedge
// the loop behind the busy guard.
const tickTimeout = 30 * time.Second

func (t *Tracker) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
			t.Tick(ctx)
			cancel()
		}
	}
}

// Tick reads the blue score once and advances every tracked session. The
// guard skips the tick if the previous one is still running.
func (t *Tracker) Tick(ctx context.Context) {
	if !t.busy.CompareAndSwap(false, true) {
		return
	}
	defer t.busy.Store(false)

	t.mu.Lock()
	if len(t.tracked) == 0 {
		t.mu.Unlock()
		return
	}
	snapshot := make(map[string]uint64, len(t.tracked))
	for id, initial := range t.tracked {
		snapshot[id] = initial
	}
	t.mu.Unlock()

	current, err := t.blueScore(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("confirm.blue_score_unavailable")
		return
	}

	for id, initial := range snapshot {
		// current < initial means a reorg or a restarted node still
		// catching up; leave the session alone for this tick.
		if current < initial {
			continue
		}
		confirmations := current - initial

		if err := t.sessions.RecordConfirmations(ctx, id, confirmations); err != nil {
			t.log.Warn().Err(err).Str("session_id", id).Msg("confirm.update_failed")
			continue
		}

		if confirmations >= t.threshold {
			if _, err := t.sessions.MarkConfirmed(ctx, id, confirmations); err != nil {
				if !errors.Is(err, storage.ErrInvalidTransition) {
					t.log.Error().Err(err).Str("session_id", id).Msg("confirm.finalize_failed")
					continue
				}
				// Finalized or failed elsewhere; stop tracking either way.
			}
			t.Untrack(id)
		}
	}
}
