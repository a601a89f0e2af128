// Package enginetest provides a deterministic in-memory backend for tests.
package enginetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"chatd/internal/engine"
	"chatd/internal/sample"
	"chatd/internal/tokenizer"
)

// Magic is the header a file must start with to load successfully.
const Magic = "GGUF"

// Codec is a byte-level vocabulary: 0 unk, 1 bos, 2 eos, 3+b for byte b.
type Codec struct{}

const (
	bos       = 1
	eos       = 2
	byteBase  = 3
	vocabSize = byteBase + 256
)

func (Codec) Encode(text string, addSpecial bool) ([]int32, error) {
	ids := make([]int32, 0, len(text)+1)
	if addSpecial {
		ids = append(ids, bos)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, byteBase+int32(text[i]))
	}
	return ids, nil
}

func (c Codec) Decode(ids []int32) (string, error) {
	var b bytes.Buffer
	for _, id := range ids {
		p, err := c.Piece(id)
		if err != nil {
			return "", err
		}
		b.Write(p)
	}
	return b.String(), nil
}

func (Codec) Piece(id int32) ([]byte, error) {
	if id < 0 || id >= vocabSize {
		return nil, fmt.Errorf("%w: %d", tokenizer.ErrInvalidToken, id)
	}
	if id < byteBase {
		return nil, nil
	}
	return []byte{byte(id - byteBase)}, nil
}

func (Codec) BOS() int32     { return bos }
func (Codec) EOS() int32     { return eos }
func (Codec) VocabSize() int { return vocabSize }

// TokenFor returns the id of byte b.
func TokenFor(b byte) int32 { return byteBase + int32(b) }

// Model replies with Reply followed by end-of-sequence, or repeats Reply
// forever when Endless is set.
type Model struct {
	Reply   string
	Endless bool
	Window  int
	// FailPrefill makes the first Decode fail.
	FailPrefill bool
	// FailDecodeAfter makes the n-th single-token Decode fail (1-based).
	FailDecodeAfter int

	open   atomic.Int32
	closed atomic.Bool
}

var _ engine.Model = (*Model)(nil)

func (m *Model) Vocabulary() tokenizer.Codec { return Codec{} }
func (m *Model) ContextSize() int            { return m.Window }

func (m *Model) NewContext(ctx context.Context) (engine.DecodeContext, error) {
	if m.closed.Load() {
		return nil, errors.New("model closed")
	}
	m.open.Add(1)
	return &decodeContext{m: m}, nil
}

func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool { return m.closed.Load() }

// OpenContexts reports contexts not yet closed.
func (m *Model) OpenContexts() int { return int(m.open.Load()) }

type decodeContext struct {
	m       *Model
	history []int32
	steps   int
	prefill bool
	closed  bool
}

func (d *decodeContext) Decode(ctx context.Context, tokens []int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.prefill {
		d.prefill = true
		if d.m.FailPrefill {
			return errors.New("prefill failed")
		}
	} else {
		d.steps++
		if d.m.FailDecodeAfter > 0 && d.steps >= d.m.FailDecodeAfter {
			return errors.New("decode failed")
		}
	}
	d.history = append(d.history, tokens...)
	if d.m.Window > 0 && len(d.history) > d.m.Window {
		return fmt.Errorf("context overflow: %d > %d", len(d.history), d.m.Window)
	}
	return nil
}

func (d *decodeContext) Distribution(ctx context.Context) ([]sample.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	next := int32(eos)
	if n := len(d.m.Reply); n > 0 {
		switch {
		case d.steps < n:
			next = TokenFor(d.m.Reply[d.steps])
		case d.m.Endless:
			next = TokenFor(d.m.Reply[d.steps%n])
		}
	}
	cands := []sample.Candidate{{ID: next, Logit: 8}}
	if next != eos {
		cands = append(cands, sample.Candidate{ID: eos, Logit: 0})
	}
	if alt := TokenFor('~'); alt != next {
		cands = append(cands, sample.Candidate{ID: alt, Logit: 6})
	}
	return cands, nil
}

func (d *decodeContext) Close() error {
	if !d.closed {
		d.closed = true
		d.m.open.Add(-1)
	}
	return nil
}

// Backend loads any file that starts with Magic. Loaded models are created
// by New, which defaults to a Model replying "hi".
type Backend struct {
	New func(path string) *Model

	mu    sync.Mutex
	loads []string
}

var _ engine.Backend = (*Backend)(nil)

func (b *Backend) Load(ctx context.Context, path string, opts engine.LoadOptions) (engine.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, []byte(Magic)) {
		return nil, fmt.Errorf("%s: not a model file", path)
	}
	b.mu.Lock()
	b.loads = append(b.loads, path)
	b.mu.Unlock()
	if b.New != nil {
		return b.New(path), nil
	}
	return &Model{Reply: "hi", Window: max(opts.ContextSize, 0)}, nil
}

// Loads returns the paths loaded so far.
func (b *Backend) Loads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loads...)
}
