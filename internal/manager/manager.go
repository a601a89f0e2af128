package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/acquire"
	"chatd/internal/engine"
	"chatd/internal/events"
	"chatd/internal/registry"
	"chatd/internal/session"
	"chatd/internal/worker"
)

type Manager struct {
	reg      *registry.Registry
	acq      *acquire.Service
	pool     *worker.Pool
	state    session.State
	bus      *events.Bus
	pub      events.Publisher
	defaults engine.Options
	log      zerolog.Logger

	llamaBin     string
	llamaBaseURL string

	mu        sync.Mutex
	lastErr   string
	startTime time.Time

	acquiring atomic.Int64
	loads     atomic.Int64
	chats     atomic.Int64
}

func newManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger.With().Str("component", "manager").Logger()
	pool := worker.New(worker.Config{
		Workers:       cfg.Workers,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       cfg.MaxWait,
		Logger:        log,
	})
	bus := events.NewBus(cfg.EventBuffer)
	m := &Manager{
		reg:          cfg.Registry,
		pool:         pool,
		bus:          bus,
		pub:          events.Multi{bus, events.OrNop(cfg.Publisher)},
		defaults:     cfg.Defaults,
		log:          log,
		llamaBin:     cfg.LlamaBin,
		llamaBaseURL: cfg.LlamaBaseURL,
		startTime:    time.Now(),
	}
	m.acq = acquire.New(acquire.Config{
		Root:        cfg.Registry.Root(),
		Backend:     pooledBackend{Backend: cfg.Backend, pool: pool},
		Downloader:  cfg.Downloader,
		ContextSize: cfg.ContextSize,
		Logger:      cfg.Logger,
	})
	return m
}

// pooledBackend loads models on the worker pool.
type pooledBackend struct {
	engine.Backend
	pool *worker.Pool
}

func (b pooledBackend) Load(ctx context.Context, path string, opts engine.LoadOptions) (engine.Model, error) {
	return worker.Submit(ctx, b.pool, "load", func(ctx context.Context) (engine.Model, error) {
		return b.Backend.Load(ctx, path, opts)
	})
}

// Subscribe returns a channel of manager events and a cancel func.
func (m *Manager) Subscribe() (<-chan events.Event, func()) {
	return m.bus.Subscribe()
}

// Publish forwards e to subscribers and the external publisher. Backends
// built before the manager use it to report process lifecycle events.
func (m *Manager) Publish(e events.Event) { m.pub.Publish(e) }

// Close drops the active model and closes every subscription.
func (m *Manager) Close() {
	m.state.Clear()
	m.bus.Close()
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.lastErr = ""
		return
	}
	m.lastErr = err.Error()
}
