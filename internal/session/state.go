// Package session holds the process-wide active model.
package session

import (
	"sync"

	"github.com/rs/zerolog"

	"chatd/internal/common/fsutil"
	"chatd/internal/engine"
	"chatd/internal/tokenizer"
)

// Handle pairs a loaded model with the tokenizer from the same acquisition.
// Handles are reference counted: the State holds one reference and every
// Get hands out another. Backend resources are released when the count
// drops to zero.
type Handle struct {
	Name      string
	Path      string
	Model     engine.Model
	Tokenizer tokenizer.Codec
	// TokenizerKind is "embedded" or "sentencepiece".
	TokenizerKind string

	mu   sync.Mutex
	refs int
	log  zerolog.Logger
}

// NewHandle returns a handle owning one reference.
func NewHandle(name, path string, model engine.Model, tok tokenizer.Codec, kind string, log zerolog.Logger) *Handle {
	if tok == nil && model != nil {
		tok = model.Vocabulary()
	}
	return &Handle{Name: name, Path: path, Model: model, Tokenizer: tok, TokenizerKind: kind, refs: 1, log: log}
}

func (h *Handle) acquire() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// Release drops one reference, closing the model on the last one.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.refs--
	last := h.refs == 0
	h.mu.Unlock()
	if last && h.Model != nil {
		if err := h.Model.Close(); err != nil {
			h.log.Warn().Err(err).Str("model", h.Name).Msg("close model")
		}
	}
}

// Refs reports the current reference count.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// State is the single active-model slot. The whole (model, tokenizer, path)
// triple is read and replaced under one lock, never across blocking work.
type State struct {
	mu     sync.Mutex
	active *Handle
}

// Set installs h, taking over its initial reference, and retires the
// previous handle.
func (s *State) Set(h *Handle) {
	s.mu.Lock()
	old := s.active
	s.active = h
	s.mu.Unlock()
	old.Release()
}

// Get returns the active handle with an extra reference, or nil. Callers
// must Release it.
func (s *State) Get() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	s.active.acquire()
	return s.active
}

// Peek returns the active name and path without taking a reference.
func (s *State) Peek() (name, path string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", "", false
	}
	return s.active.Name, s.active.Path, true
}

// ClearIf evicts the active handle when its path lies under dir. Reports
// whether anything was evicted.
func (s *State) ClearIf(dir string) bool {
	s.mu.Lock()
	old := s.active
	if old == nil || !fsutil.WithinDir(old.Path, dir) {
		s.mu.Unlock()
		return false
	}
	s.active = nil
	s.mu.Unlock()
	old.Release()
	return true
}

// Clear evicts the active handle, if any.
func (s *State) Clear() {
	s.Set(nil)
}
