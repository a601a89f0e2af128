package manager

import (
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/acquire"
	"chatd/internal/engine"
	"chatd/internal/events"
	"chatd/internal/registry"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultWorkers       = 2
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultEventBuffer   = 256
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry *registry.Registry
	Backend  engine.Backend
	// Downloader is optional; a default one is built when nil.
	Downloader  *acquire.Downloader
	ContextSize int
	// Engine defaults; per-request options override them.
	Defaults engine.Options

	Workers       int
	MaxQueueDepth int
	MaxWait       time.Duration
	EventBuffer   int

	// Reported by SanityCheck.
	LlamaBin     string
	LlamaBaseURL string

	Logger    zerolog.Logger
	Publisher events.Publisher
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New("", registry.Builtin())
	}
	if cfg.Defaults.MaxTokens <= 0 {
		cfg.Defaults = engine.DefaultOptions()
	}
	return newManager(cfg)
}
