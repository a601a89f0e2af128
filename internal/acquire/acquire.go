// Package acquire downloads, publishes and validates model artifacts.
//
// A canonical artifact path is only ever occupied by a file that passed a
// full-length check; a file there is still loaded before it is trusted and
// is deleted when it fails to load.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatd/internal/apperr"
	"chatd/internal/common/fsutil"
	"chatd/internal/engine"
	"chatd/internal/registry"
	"chatd/internal/tokenizer"
	"chatd/pkg/types"
)

var (
	acquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "acquire",
			Name:      "total",
			Help:      "Acquisitions by outcome",
		},
		[]string{"status"},
	)
	downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "acquire",
			Name:      "download_bytes_total",
			Help:      "Bytes downloaded for model artifacts",
		},
	)
)

func init() {
	prometheus.MustRegister(acquisitionsTotal, downloadBytes)
}

// Config wires a Service.
type Config struct {
	Root        string
	Backend     engine.Backend
	Downloader  *Downloader
	ContextSize int
	Logger      zerolog.Logger
}

// Service implements the acquisition protocol.
type Service struct {
	root        string
	backend     engine.Backend
	dl          *Downloader
	contextSize int
	log         zerolog.Logger
}

func New(cfg Config) *Service {
	dl := cfg.Downloader
	if dl == nil {
		dl = NewDownloader(0, cfg.Logger)
	}
	return &Service{root: cfg.Root, backend: cfg.Backend, dl: dl, contextSize: cfg.ContextSize, log: cfg.Logger}
}

// Result is a validated acquisition. Tokenizer is nil when the model uses
// its embedded vocabulary.
type Result struct {
	ID        string
	Layout    registry.Layout
	Model     engine.Model
	Tokenizer tokenizer.Codec
	// Existing is set when nothing had to be downloaded.
	Existing bool
}

// artifact is one file of an acquisition.
type artifact struct {
	file string
	url  string
	path string
	load func(ctx context.Context, path string) (any, error)
	// downloaded is set when ensure fetched the file.
	downloaded bool
}

// Acquire resolves desc to a local directory, makes sure its artifacts are
// present and loadable, and returns the loaded handles. The model and the
// tokenizer (when the descriptor uses one) are handled concurrently and
// independently; failure of either fails the whole call.
func (s *Service) Acquire(ctx context.Context, desc types.ModelDescriptor, sink Sink) (Result, error) {
	const op = "acquire"
	id := uuid.NewString()
	layout, err := registry.Resolve(s.root, desc.Name)
	if err != nil {
		return Result{}, apperr.New(apperr.KindInvalid, op, err)
	}
	log := s.log.With().Str("acquisition", id).Str("model", desc.Name).Logger()

	model := &artifact{
		file: types.FileModel,
		url:  strings.TrimSpace(desc.URL),
		path: layout.Model,
		load: func(ctx context.Context, path string) (any, error) {
			return s.backend.Load(ctx, path, engine.LoadOptions{ContextSize: s.contextSize})
		},
	}
	arts := []*artifact{model}
	weights := map[string]float64{types.FileModel: 1}
	var tok *artifact
	if desc.TokenizerKind() == types.TokenizerSentencePiece {
		tok = &artifact{
			file: types.FileTokenizer,
			url:  strings.TrimSpace(desc.TokenizerURL),
			path: layout.Tokenizer,
			load: func(ctx context.Context, path string) (any, error) {
				return tokenizer.LoadSentencePiece(path)
			},
		}
		arts = append(arts, tok)
		weights = map[string]float64{types.FileModel: 0.95, types.FileTokenizer: 0.05}
	}

	tr := newTracker(id, desc.Name, sink, weights)
	defer tr.finish()
	tr.queued()
	if err := os.MkdirAll(layout.Dir, 0o755); err != nil {
		err = apperr.New(apperr.KindIO, op, fmt.Errorf("create model dir: %w", err))
		tr.failed("", err)
		acquisitionsTotal.WithLabelValues(types.StatusFailed).Inc()
		return Result{}, err
	}

	loaded := make([]any, len(arts))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range arts {
		g.Go(func() error {
			v, err := s.ensure(gctx, a, tr, log)
			if err != nil {
				tr.failed(a.file, err)
				return err
			}
			loaded[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, v := range loaded {
			if m, ok := v.(engine.Model); ok {
				_ = m.Close()
			}
		}
		acquisitionsTotal.WithLabelValues(types.StatusFailed).Inc()
		log.Warn().Err(err).Msg("acquisition failed")
		return Result{}, err
	}

	res := Result{ID: id, Layout: layout, Model: loaded[0].(engine.Model), Existing: true}
	for _, a := range arts {
		if a.downloaded {
			res.Existing = false
		}
	}
	if tok != nil {
		res.Tokenizer = loaded[1].(tokenizer.Codec)
	}
	tr.completed()
	acquisitionsTotal.WithLabelValues(types.StatusCompleted).Inc()
	log.Info().Bool("existing", res.Existing).Msg("acquisition completed")
	return res, nil
}

// ensure runs the exists/download/validate protocol for one artifact.
func (s *Service) ensure(ctx context.Context, a *artifact, tr *tracker, log zerolog.Logger) (any, error) {
	const op = "acquire"
	if fsutil.FileExists(a.path) {
		tr.validating(a.file)
		v, err := a.load(ctx, a.path)
		if err == nil {
			tr.validated(a.file)
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apperr.Is(err, apperr.KindUnavailable) {
			return nil, err
		}
		log.Warn().Err(err).Str("file", a.file).Str("path", a.path).Msg("existing artifact invalid, re-downloading")
		s.remove(a.path, log)
		tr.reset(a.file)
	}
	if a.url == "" {
		return nil, apperr.Msg(apperr.KindInvalid, op, fmt.Sprintf("%s: no download url and no valid local file", a.file))
	}

	tr.downloading(a.file, 0, 0)
	if _, err := s.dl.Fetch(ctx, a.url, a.path, func(done, total int64) {
		tr.downloading(a.file, done, total)
	}); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		return nil, apperr.New(apperr.KindIO, op, err)
	}
	a.downloaded = true

	tr.validating(a.file)
	v, err := a.load(ctx, a.path)
	if err != nil {
		if apperr.Is(err, apperr.KindUnavailable) {
			return nil, err
		}
		// a sibling failure cancels ctx; the file itself was not judged
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.remove(a.path, log)
		return nil, apperr.New(apperr.KindInvalidArtifact, op, fmt.Errorf("invalid downloaded %s file, it has been removed: %w", a.file, err))
	}
	tr.validated(a.file)
	return v, nil
}

// remove deletes path best-effort; failures are logged, not returned.
func (s *Service) remove(path string, log zerolog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("remove invalid artifact")
	}
}
