package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chatd/internal/acquire"
	"chatd/internal/backend/llamaserver"
	"chatd/internal/config"
	"chatd/internal/events"
	"chatd/internal/logging"
	"chatd/internal/manager"
	"chatd/internal/registry"
)

// app carries the resolved configuration shared by every subcommand.
type app struct {
	cfg config.Config
	log zerolog.Logger

	configPath string
	envFile    string
	lookupEnv  func(string) (string, bool)

	// flag values; applied only when the flag was set
	flags       config.Config
	corsOrigins string
}

func newRootCmd() *cobra.Command { return newRootCmdWith(&app{lookupEnv: os.LookupEnv}) }

// newRootCmdWith constructs the command tree over a.
func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatd",
		Short:         "Local LLM model manager and chat inference daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.resolve(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (.yaml, .json, .toml); defaults to CHATD_CONFIG")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading CHATD_* variables")
	pf.StringVar(&a.flags.ModelsDir, "models-dir", "", "Directory holding <model>/model.gguf")
	pf.StringVar(&a.flags.Catalog, "catalog", "", "Extra model catalog file merged over the built-in one")
	pf.StringVar(&a.flags.LlamaBin, "llama-bin", "", "llama-server binary (spawn mode)")
	pf.StringVar(&a.flags.LlamaURL, "llama-url", "", "Existing llama-server base URL (attach mode)")
	pf.IntVar(&a.flags.ContextSize, "ctx-size", 0, "Context window in tokens")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&a.flags.LogFormat, "log-format", "", "Log format: console|json")

	root.AddCommand(
		newServeCmd(a),
		newModelsCmd(a),
		newPullCmd(a),
		newRmCmd(a),
		newChatCmd(a),
		newTokenizeCmd(a),
	)
	return root
}

// resolve applies precedence flags > env (.env included) > file > defaults.
func (a *app) resolve(cmd *cobra.Command) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("env file %s: %w", a.envFile, err)
		}
	}
	path := a.configPath
	if path == "" {
		path, _ = a.lookupEnv("CHATD_CONFIG")
	}
	var cfg config.Config
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	if err := config.ApplyEnv(&cfg, a.lookupEnv); err != nil {
		return err
	}
	a.overrideFromFlags(cmd, &cfg)
	config.ApplyDefaults(&cfg)

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) overrideFromFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, apply func()) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			apply()
		}
	}
	set("models-dir", func() { cfg.ModelsDir = a.flags.ModelsDir })
	set("catalog", func() { cfg.Catalog = a.flags.Catalog })
	set("llama-bin", func() { cfg.LlamaBin = a.flags.LlamaBin })
	set("llama-url", func() { cfg.LlamaURL = a.flags.LlamaURL })
	set("ctx-size", func() { cfg.ContextSize = a.flags.ContextSize })
	set("log-level", func() { cfg.LogLevel = a.flags.LogLevel })
	set("log-format", func() { cfg.LogFormat = a.flags.LogFormat })
	set("addr", func() { cfg.Addr = a.flags.Addr })
	set("cors", func() { cfg.CORSEnabled = a.flags.CORSEnabled })
	set("cors-origins", func() { cfg.CORSOrigins = splitCSV(a.corsOrigins) })
	set("workers", func() { cfg.Workers = a.flags.Workers })
}

// newManager builds the in-process manager over a llama-server backend.
func (a *app) newManager() (*manager.Manager, error) {
	cfg := a.cfg
	catalog := registry.Builtin()
	if cfg.Catalog != "" {
		extra, err := registry.LoadCatalog(cfg.Catalog)
		if err != nil {
			return nil, err
		}
		catalog = registry.Merge(catalog, extra)
	}
	bin := cfg.LlamaBin
	if bin == "" && cfg.LlamaURL == "" {
		bin = llamaserver.DiscoverBin()
	}

	// The backend reports process lifecycle through the manager once it exists.
	var mgr *manager.Manager
	backend := llamaserver.New(llamaserver.Config{
		Bin:            bin,
		BaseURL:        cfg.LlamaURL,
		APIKey:         cfg.LlamaAPIKey,
		Threads:        cfg.Threads,
		NGL:            cfg.NGL,
		Slots:          cfg.Slots,
		StartupTimeout: time.Duration(cfg.StartupTimeoutSeconds) * time.Second,
		Logger:         a.log,
		Publisher: events.Func(func(e events.Event) {
			if mgr != nil {
				mgr.Publish(e)
			}
		}),
	})
	mgr = manager.NewWithConfig(manager.ManagerConfig{
		Registry:      registry.New(cfg.ModelsDir, catalog),
		Backend:       backend,
		Downloader:    acquire.NewDownloader(0, a.log),
		ContextSize:   cfg.ContextSize,
		Workers:       cfg.Workers,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       time.Duration(cfg.MaxWaitSeconds) * time.Second,
		LlamaBin:      bin,
		LlamaBaseURL:  cfg.LlamaURL,
		Logger:        a.log,
	})
	return mgr, nil
}

// splitCSV splits a comma separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
