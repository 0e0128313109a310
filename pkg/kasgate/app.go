// Package kasgate assembles the payment gateway: storage, ledger watcher,
// session manager, confirmation tracker, webhook dispatcher, realtime hub,
// and the HTTP API.
package kasgate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KasGate/server/internal/config"
	"github.com/KasGate/server/internal/confirm"
	"github.com/KasGate/server/internal/httpserver"
	"github.com/KasGate/server/internal/hub"
	"github.com/KasGate/server/internal/kaspa"
	"github.com/KasGate/server/internal/ledger"
	"github.com/KasGate/server/internal/lifecycle"
	"github.com/KasGate/server/internal/merchant"
	"github.com/KasGate/server/internal/metrics"
	"github.com/KasGate/server/internal/session"
	"github.com/KasGate/server/internal/storage"
	"github.com/KasGate/server/internal/webhook"
)

// hubHeartbeat is the websocket ping interval. It must undercut the hub's
// pong deadline.
const hubHeartbeat = 30 * time.Second

// dispatchTimeout bounds a single transition-triggered webhook dispatch.
const dispatchTimeout = 30 * time.Second

// Engine owns every long-lived component of the gateway.
type Engine struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     *storage.Store
	watcher   *ledger.Watcher
	sessions  *session.Manager
	tracker   *confirm.Tracker
	dispatch  *webhook.Dispatcher
	hub       *hub.Hub
	server    *httpserver.Server
	resources *lifecycle.Manager

	queueMu sync.Mutex
	queues  map[string][]webhookJob
}

// webhookJob is one transition-triggered delivery waiting on a session's
// dispatch queue.
type webhookJob struct {
	sess  storage.Session
	event string
}

// New wires the gateway from configuration. Nothing is started; call Start.
func New(cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	params, err := kaspa.ParamsFor(cfg.Network.Name)
	if err != nil {
		return nil, err
	}
	// Config overrides on top of the per-network defaults.
	if cfg.Network.NodeURL != "" {
		params.NodeEndpoints = append([]string{cfg.Network.NodeURL}, params.NodeEndpoints...)
	}
	if cfg.Network.IndexerURL != "" {
		params.IndexerURL = cfg.Network.IndexerURL
	}
	if cfg.Network.ConfirmationThreshold > 0 {
		params.RequiredConfirmations = cfg.Network.ConfirmationThreshold
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	m := metrics.New(nil)
	resources := lifecycle.NewManager()
	resources.Register("storage", store)

	indexer := ledger.NewIndexerClient(params.IndexerURL, cfg.Watcher.FallbackTimeout.Duration, m, log)
	watcher := ledger.NewWatcher(ledger.WatcherConfig{
		PollInterval: cfg.Watcher.PollInterval.Duration,
		Push: ledger.PushConfig{
			Endpoints:       params.NodeEndpoints,
			ConnectTimeout:  cfg.Watcher.ConnectTimeout.Duration,
			FallbackTimeout: cfg.Watcher.FallbackTimeout.Duration,
			ReconnectBase:   cfg.Watcher.ReconnectBase.Duration,
			ReconnectCap:    cfg.Watcher.ReconnectCap.Duration,
		},
	}, indexer, m, log)

	deriver := kaspa.NewDeriver(params)
	merchants := merchant.NewService(store, deriver, log)

	sessions := session.NewManager(session.Config{
		TTL:                   cfg.Session.TTL.Duration,
		SweepInterval:         cfg.Session.SweepInterval.Duration,
		MinAmountSompi:        cfg.Session.MinAmountSompi,
		RequiredConfirmations: params.RequiredConfirmations,
	}, store, deriver, watcher, m, log)

	dispatch := webhook.NewDispatcher(webhook.Config{
		Timeout:         cfg.Webhooks.Timeout.Duration,
		MaxAttempts:     cfg.Webhooks.MaxAttempts,
		InitialInterval: cfg.Webhooks.InitialInterval.Duration,
		WorkerInterval:  cfg.Webhooks.WorkerInterval.Duration,
		SnippetLimit:    cfg.Webhooks.SnippetLimit,
	}, store, m, log)

	sessionHub := hub.New(sessions, hubHeartbeat, m, log)

	tracker := confirm.NewTracker(cfg.Watcher.ConfirmInterval.Duration,
		params.RequiredConfirmations, sessions, watcher.CurrentBlueScore, log)

	e := &Engine{
		cfg:       cfg,
		log:       log,
		store:     store,
		watcher:   watcher,
		sessions:  sessions,
		tracker:   tracker,
		dispatch:  dispatch,
		hub:       sessionHub,
		resources: resources,
		queues:    make(map[string][]webhookJob),
	}

	// Transitions fan out to webhooks and realtime subscribers; detected
	// payments enter confirmation tracking.
	sessions.OnTransition = e.onTransition
	sessions.OnPaymentDetected = tracker.Track
	sessions.OnConfirmations = sessionHub.BroadcastConfirmations

	e.server = httpserver.New(httpserver.Deps{
		Config:     cfg,
		Params:     params,
		Merchants:  merchants,
		Sessions:   sessions,
		Dispatcher: dispatch,
		Hub:        sessionHub,
		Store:      store,
		Backends:   watcher,
		Metrics:    m,
		Logger:     log,
	})
	return e, nil
}

func (e *Engine) onTransition(sess storage.Session, from storage.SessionStatus) {
	e.hub.BroadcastStatus(sess)
	e.enqueueWebhook(webhookJob{sess: sess, event: webhook.EventForStatus(sess.Status)})
}

// enqueueWebhook appends the job to the session's queue and starts a drain
// worker if none is running. A single worker per session keeps first-attempt
// deliveries in transition order even when transitions arrive back to back.
func (e *Engine) enqueueWebhook(job webhookJob) {
	id := job.sess.ID
	e.queueMu.Lock()
	_, draining := e.queues[id]
	e.queues[id] = append(e.queues[id], job)
	e.queueMu.Unlock()

	if !draining {
		go e.drainWebhooks(id)
	}
}

func (e *Engine) drainWebhooks(sessionID string) {
	for {
		e.queueMu.Lock()
		jobs := e.queues[sessionID]
		if len(jobs) == 0 {
			delete(e.queues, sessionID)
			e.queueMu.Unlock()
			return
		}
		job := jobs[0]
		e.queues[sessionID] = jobs[1:]
		e.queueMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		err := e.dispatch.Dispatch(ctx, job.sess, job.event)
		cancel()
		if err != nil {
			e.log.Error().Err(err).
				Str("session_id", job.sess.ID).
				Str("event", job.event).
				Msg("engine.webhook_dispatch_failed")
		}
	}
}

// Start rehydrates persisted state, launches the background workers, and
// serves HTTP. It blocks until the listener stops.
func (e *Engine) Start(ctx context.Context) error {
	// Rehydrate before the watcher connects so re-monitored addresses are
	// in place when the first subscription replay happens.
	if err := e.sessions.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate sessions: %w", err)
	}
	if err := e.tracker.Rehydrate(ctx, e.store); err != nil {
		return fmt.Errorf("rehydrate confirmations: %w", err)
	}

	e.watcher.Start()
	e.resources.RegisterFunc("watcher", func() error { e.watcher.Stop(); return nil })

	e.sessions.Start()
	e.resources.RegisterFunc("session-sweeper", func() error { e.sessions.Stop(); return nil })

	e.tracker.Start()
	e.resources.RegisterFunc("confirmation-tracker", func() error { e.tracker.Stop(); return nil })

	e.dispatch.Start()
	e.resources.RegisterFunc("webhook-dispatcher", func() error { e.dispatch.Stop(); return nil })

	e.resources.RegisterFunc("hub", func() error { e.hub.Close(); return nil })

	if err := e.server.Start(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server, then closes the workers, hub, watcher,
// and finally the store.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.server.Shutdown(ctx); err != nil {
		e.log.Error().Err(err).Msg("engine.http_shutdown_failed")
	}
	return e.resources.Close()
}
