// Package llamaserver implements engine.Backend on top of llama.cpp's
// llama-server. In spawn mode a server process is started per loaded model;
// in attach mode an already running server at BaseURL is used.
//
// Decoding is driven token by token from this side: the engine owns the
// prompt, the sampling and the stop decision, and the server is asked only
// to evaluate a token sequence (reusing its KV cache slot) and to report the
// top next-token candidates with their log-probabilities.
package llamaserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/apperr"
	"chatd/internal/engine"
	"chatd/internal/events"
)

// Magic is the header every GGUF model file starts with.
const Magic = "GGUF"

// Defaults applied when corresponding Config fields are unset.
const (
	defaultHost           = "127.0.0.1"
	defaultStartupTimeout = 60 * time.Second
	defaultRequestTimeout = 5 * time.Minute
	defaultConnectTimeout = 5 * time.Second
	defaultStopGrace      = 2 * time.Second
	defaultSlots          = 2
	defaultCandidates     = 40
	// llama-family models use id 2 for end of sequence; used when the
	// server does not report its eos token.
	fallbackEOS = 2
)

// Config configures the backend. Bin is required in spawn mode; BaseURL
// selects attach mode.
type Config struct {
	Bin       string
	BaseURL   string
	APIKey    string
	Host      string
	PortStart int
	PortEnd   int
	Threads   int
	NGL       int
	// Slots is the number of parallel decode contexts per model.
	Slots     int
	ExtraArgs []string
	// Candidates is how many top next-token candidates are requested per step.
	Candidates     int
	StartupTimeout time.Duration
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	StopGrace      time.Duration
	Logger         zerolog.Logger
	Publisher      events.Publisher
}

func (c *Config) applyDefaults() {
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = defaultHost
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.Slots <= 0 {
		c.Slots = defaultSlots
	}
	if c.Candidates <= 0 {
		c.Candidates = defaultCandidates
	}
}

// Backend loads models into llama-server instances.
type Backend struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
	pub  events.Publisher
}

var _ engine.Backend = (*Backend)(nil)

// New builds a Backend. All requests carry context deadlines, so the client
// has no global timeout.
func New(cfg Config) *Backend {
	cfg.applyDefaults()
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Backend{
		cfg:  cfg,
		http: &http.Client{Transport: tr},
		log:  cfg.Logger.With().Str("adapter", "llama_server").Logger(),
		pub:  events.OrNop(cfg.Publisher),
	}
}

// Attached reports whether the backend uses an external server.
func (b *Backend) Attached() bool { return b.cfg.BaseURL != "" }

// Bin returns the configured llama-server binary.
func (b *Backend) Bin() string { return b.cfg.Bin }

// Load validates the GGUF header of path, then starts (or attaches to) a
// server and probes it for its context size and vocabulary. Failures to
// start a server because no binary is configured are DependencyUnavailable.
func (b *Backend) Load(ctx context.Context, path string, opts engine.LoadOptions) (engine.Model, error) {
	if err := checkMagic(path); err != nil {
		return nil, err
	}
	var (
		proc    *process
		baseURL = b.cfg.BaseURL
	)
	if baseURL == "" {
		if strings.TrimSpace(b.cfg.Bin) == "" {
			return nil, apperr.Msg(apperr.KindUnavailable, "load", "llama-server not found: set llama_bin or install llama.cpp")
		}
		if fi, err := os.Stat(b.cfg.Bin); err != nil || fi.IsDir() {
			return nil, apperr.Msg(apperr.KindUnavailable, "load", fmt.Sprintf("llama-server not found or not a file: %s", b.cfg.Bin))
		}
		p, err := b.spawn(ctx, path, opts.ContextSize)
		if err != nil {
			return nil, err
		}
		proc, baseURL = p, p.baseURL
	} else if !b.healthy(ctx, baseURL) {
		return nil, apperr.Msg(apperr.KindUnavailable, "load", "llama-server not reachable at "+baseURL)
	}

	m, err := b.probe(ctx, baseURL, path, opts)
	if err != nil {
		if proc != nil {
			proc.stop(b.cfg.StopGrace)
		}
		return nil, err
	}
	m.proc = proc
	b.log.Info().Str("model", path).Int("n_ctx", m.nCtx).Int("n_vocab", m.vocab.size).Msg("event=model_loaded")
	return m, nil
}

// checkMagic rejects files that are not GGUF.
func checkMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	hdr := make([]byte, len(Magic))
	if _, err := io.ReadFull(bufio.NewReader(f), hdr); err != nil {
		return fmt.Errorf("%s: read header: %w", path, err)
	}
	if string(hdr) != Magic {
		return fmt.Errorf("%s: not a GGUF file", path)
	}
	return nil
}

type propsResponse struct {
	DefaultGenerationSettings struct {
		NCtx int `json:"n_ctx"`
	} `json:"default_generation_settings"`
	TotalSlots int    `json:"total_slots"`
	BOSToken   string `json:"bos_token"`
	EOSToken   string `json:"eos_token"`
}

type modelsResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Meta struct {
			NVocab int `json:"n_vocab"`
			NCtx   int `json:"n_ctx_train"`
		} `json:"meta"`
	} `json:"data"`
}

// probe reads server properties and builds the model handle.
func (b *Backend) probe(ctx context.Context, baseURL, path string, opts engine.LoadOptions) (*model, error) {
	c := &client{http: b.http, baseURL: baseURL, apiKey: b.cfg.APIKey, timeout: b.cfg.RequestTimeout}
	var props propsResponse
	if err := c.get(ctx, "/props", &props); err != nil {
		return nil, fmt.Errorf("probe props: %w", err)
	}
	var models modelsResponse
	if err := c.get(ctx, "/v1/models", &models); err != nil {
		return nil, fmt.Errorf("probe models: %w", err)
	}
	nVocab := 0
	if len(models.Data) > 0 {
		nVocab = models.Data[0].Meta.NVocab
	}
	if nVocab <= 0 {
		return nil, errors.New("server did not report a vocabulary size")
	}
	nCtx := props.DefaultGenerationSettings.NCtx
	if nCtx <= 0 {
		nCtx = opts.ContextSize
	}
	if nCtx <= 0 {
		return nil, errors.New("server did not report a context size")
	}
	slots := props.TotalSlots
	if slots <= 0 {
		slots = b.cfg.Slots
	}

	voc := &vocab{c: c, size: nVocab, bos: -1, eos: fallbackEOS}
	if ids, err := c.tokenize(ctx, "", true, false); err == nil && len(ids) == 1 {
		voc.bos = ids[0]
	}
	if props.EOSToken != "" {
		if ids, err := c.tokenize(ctx, props.EOSToken, false, true); err == nil && len(ids) == 1 {
			voc.eos = ids[0]
		}
	}
	m := &model{
		b:      b,
		c:      c,
		path:   path,
		nCtx:   nCtx,
		vocab:  voc,
		slots:  make(chan int, slots),
		closed: make(chan struct{}),
	}
	for i := 0; i < slots; i++ {
		m.slots <- i
	}
	return m, nil
}

// client is a small JSON client for one server.
type client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	timeout time.Duration
}

func (c *client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("llama server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type tokenizeRequest struct {
	Content      string `json:"content"`
	AddSpecial   bool   `json:"add_special"`
	ParseSpecial bool   `json:"parse_special"`
}

type tokenizeResponse struct {
	Tokens []int32 `json:"tokens"`
}

// tokenize encodes text. parseSpecial is only set when probing for special
// token ids; user text is never parsed for special tokens.
func (c *client) tokenize(ctx context.Context, text string, addSpecial, parseSpecial bool) ([]int32, error) {
	var out tokenizeResponse
	req := tokenizeRequest{Content: text, AddSpecial: addSpecial, ParseSpecial: parseSpecial}
	if err := c.post(ctx, "/tokenize", req, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

type detokenizeRequest struct {
	Tokens []int32 `json:"tokens"`
}

type detokenizeResponse struct {
	Content string `json:"content"`
}

func (c *client) detokenize(ctx context.Context, ids []int32) (string, error) {
	var out detokenizeResponse
	if err := c.post(ctx, "/detokenize", detokenizeRequest{Tokens: ids}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}
