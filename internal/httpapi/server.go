// Package httpapi exposes the manager over HTTP with chi.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatd/internal/acquire"
	"chatd/internal/events"
	"chatd/internal/manager"
	"chatd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() ([]types.ModelDescriptor, error)
	Acquire(ctx context.Context, desc types.ModelDescriptor, sink acquire.Sink) (string, error)
	Delete(name string) (string, error)
	Tokenize(ctx context.Context, text string, addSpecial bool) ([]int32, error)
	Detokenize(ctx context.Context, ids []int32) (string, error)
	Chat(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error)
	Status() types.StatusResponse
	Ready() bool
	SanityCheck() manager.SanityReport
	Subscribe() (<-chan events.Event, func())
}

type server struct {
	svc Service
}

func NewMux(svc Service) http.Handler {
	s := &server{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if c := corsMiddleware(); c != nil {
		r.Use(c)
	}
	// NDJSON is not in the compressible set, so streams stay unbuffered.
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", s.handleModels)
	r.Post("/models/acquire", s.handleAcquire)
	r.Delete("/models/{name}", s.handleDelete)
	r.Post("/tokenize", s.handleTokenize)
	r.Post("/detokenize", s.handleDetokenize)
	r.Post("/chat", s.handleChat)
	r.Get("/events", s.handleEvents)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, svc.Status()) })
	r.Get("/sanity", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, svc.SanityCheck()) })

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no active model"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Debug().Err(err).Msg("encode response")
	}
}

// decodeJSON enforces the content type and body limit; on failure it has
// already written the error response.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// canceled reports whether the client or the server went away, in which
// case nothing more should be written.
func canceled(r *http.Request) bool {
	return r.Context().Err() != nil || serverBaseCtx().Err() != nil
}

// handleModels godoc
// @Summary      List models
// @Description  Catalog entries merged with installed models.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Failure      502  {object}  types.ErrorResponse
// @Router       /models [get]
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.svc.ListModels()
	if err != nil {
		writeError(w, err)
		return
	}
	if models == nil {
		models = []types.ModelDescriptor{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

// ndjsonStream writes one JSON value per line. The response header is
// committed lazily so that a failure before the first line can still be
// reported with a proper status code.
type ndjsonStream struct {
	name    string
	mu      sync.Mutex
	w       http.ResponseWriter
	enc     *json.Encoder
	flush   func()
	started bool
}

func newNDJSONStream(name string, w http.ResponseWriter, tee io.Writer) *ndjsonStream {
	s := &ndjsonStream{name: name, w: w, flush: func() {}}
	var out io.Writer = w
	if tee != nil {
		out = io.MultiWriter(w, tee)
	}
	s.enc = json.NewEncoder(out)
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
	}
	return s
}

func (s *ndjsonStream) startLocked() {
	if s.started {
		return
	}
	s.w.Header().Set("Content-Type", "application/x-ndjson")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	openStreams.WithLabelValues(s.name).Inc()
}

// close releases the open-stream gauge; it is a no-op for streams that never
// committed headers.
func (s *ndjsonStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		openStreams.WithLabelValues(s.name).Dec()
	}
}

// open commits the headers without writing a line.
func (s *ndjsonStream) open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
	s.flush()
}

func (s *ndjsonStream) send(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
	if err := s.enc.Encode(v); err != nil {
		return
	}
	streamLinesTotal.WithLabelValues(s.name).Inc()
	s.flush()
}

func (s *ndjsonStream) hasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// handleAcquire godoc
// @Summary      Acquire a model
// @Description  Downloads and validates a model, streaming progress events as NDJSON. The last line is an AcquireResult.
// @Tags         models
// @Accept       json
// @Produce      x-ndjson
// @Param        request  body      types.AcquireRequest  true  "Descriptor, or just a catalog name"
// @Success      200      {object}  types.ProgressEvent
// @Failure      400      {object}  types.ErrorResponse
// @Failure      415      {object}  types.ErrorResponse
// @Router       /models/acquire [post]
func (s *server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req types.AcquireRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rl := startRequestLog(r, "acquire")
	var tee io.Writer
	if rl.lvl >= LevelDebug {
		tee = &lineLogger{log: rl.log, op: "acquire"}
	}
	stream := newNDJSONStream("acquire", w, tee)
	defer stream.close()
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx())
	defer cancel()

	msg, err := s.svc.Acquire(ctx, req.ModelDescriptor, func(ev types.ProgressEvent) { stream.send(ev) })
	if err != nil {
		if canceled(r) {
			return
		}
		if !stream.hasStarted() {
			rl.end(writeError(w, err), err)
			return
		}
		code, kind := statusFor(err)
		stream.send(types.AcquireResult{Error: err.Error(), Kind: kind})
		rl.end(code, err)
		return
	}
	stream.send(types.AcquireResult{Done: true, Message: msg})
	rl.end(http.StatusOK, nil)
}

// handleDelete godoc
// @Summary      Delete a model
// @Description  Evicts the model if active and removes its directory. Deleting a missing model succeeds.
// @Tags         models
// @Produce      json
// @Param        name  path      string  true  "Model name"
// @Success      200   {object}  types.MessageResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      502   {object}  types.ErrorResponse
// @Router       /models/{name} [delete]
func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.Delete(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.MessageResponse{Message: msg})
}

// handleTokenize godoc
// @Summary      Tokenize text
// @Tags         inference
// @Accept       json
// @Produce      json
// @Param        request  body      types.TokenizeRequest  true  "Text to encode"
// @Success      200      {object}  types.TokenizeResponse
// @Failure      409      {object}  types.ErrorResponse
// @Router       /tokenize [post]
func (s *server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req types.TokenizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ids, err := s.svc.Tokenize(r.Context(), req.Text, req.AddSpecial)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []int32{}
	}
	writeJSON(w, http.StatusOK, types.TokenizeResponse{Tokens: ids})
}

// handleDetokenize godoc
// @Summary      Detokenize ids
// @Tags         inference
// @Accept       json
// @Produce      json
// @Param        request  body      types.DetokenizeRequest  true  "Token ids"
// @Success      200      {object}  types.DetokenizeResponse
// @Failure      409      {object}  types.ErrorResponse
// @Failure      500      {object}  types.ErrorResponse
// @Router       /detokenize [post]
func (s *server) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	var req types.DetokenizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	text, err := s.svc.Detokenize(r.Context(), req.Tokens)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DetokenizeResponse{Text: text})
}

// handleChat godoc
// @Summary      Chat with the active model
// @Description  Renders the transcript, generates a full reply and returns it at once.
// @Tags         inference
// @Accept       json
// @Produce      json
// @Param        request  body      types.ChatRequest  true  "Transcript and options"
// @Success      200      {object}  types.ChatResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      409      {object}  types.ErrorResponse
// @Failure      429      {object}  types.ErrorResponse
// @Failure      504      {object}  types.ErrorResponse
// @Router       /chat [post]
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rl := startRequestLog(r, "chat")
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx())
	defer cancel()
	if chatTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, chatTimeout)
		defer cancelTimeout()
	}
	resp, err := s.svc.Chat(ctx, req)
	if err != nil {
		if canceled(r) {
			return
		}
		rl.end(writeError(w, err), err)
		return
	}
	if rl.lvl >= LevelDebug {
		rl.log.Debug().Str("content", resp.Content).Msg("chat reply")
	}
	writeJSON(w, http.StatusOK, resp)
	rl.end(http.StatusOK, nil)
}

// handleEvents godoc
// @Summary      Stream manager events
// @Description  NDJSON stream of progress and lifecycle events until the client disconnects.
// @Tags         events
// @Produce      x-ndjson
// @Success      200  {object}  events.Event
// @Router       /events [get]
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := s.svc.Subscribe()
	defer unsubscribe()
	stream := newNDJSONStream("events", w, nil)
	defer stream.close()
	stream.open()

	base := serverBaseCtx()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-base.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			stream.send(ev)
		}
	}
}
