package llamaserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"chatd/internal/engine"
	"chatd/internal/events"
	"chatd/internal/sample"
	"chatd/internal/tokenizer"
)

// model is a model loaded into one llama-server. Each decode context holds
// one of the server's slots for its lifetime.
type model struct {
	b     *Backend
	c     *client
	proc  *process
	path  string
	nCtx  int
	vocab *vocab
	slots chan int

	closeOnce sync.Once
	closed    chan struct{}
}

var _ engine.Model = (*model)(nil)

func (m *model) Vocabulary() tokenizer.Codec { return m.vocab }
func (m *model) ContextSize() int            { return m.nCtx }

// NewContext waits for a free slot.
func (m *model) NewContext(ctx context.Context) (engine.DecodeContext, error) {
	select {
	case <-m.closed:
		return nil, errors.New("model closed")
	default:
	}
	select {
	case slot := <-m.slots:
		return &decodeContext{m: m, slot: slot}, nil
	case <-m.closed:
		return nil, errors.New("model closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the spawned server, if any.
func (m *model) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.proc != nil {
			m.proc.stop(m.b.cfg.StopGrace)
			m.b.log.Info().Str("model", m.path).Int("pid", m.proc.pid).Msg("event=spawn_stop")
			m.b.pub.Publish(events.Event{Name: "spawn_stop", Model: m.path, Fields: map[string]any{"pid": m.proc.pid}})
		}
	})
	return nil
}

// vocab serves the model's embedded vocabulary through the server.
type vocab struct {
	c      *client
	size   int
	bos    int32
	eos    int32
	pieces sync.Map // int32 -> []byte
}

var (
	_ tokenizer.Codec        = (*vocab)(nil)
	_ tokenizer.ContextCodec = (*vocab)(nil)
	_ tokenizer.Streamer     = (*vocab)(nil)
)

func (v *vocab) Encode(text string, addSpecial bool) ([]int32, error) {
	return v.EncodeContext(context.Background(), text, addSpecial)
}

func (v *vocab) EncodeContext(ctx context.Context, text string, addSpecial bool) ([]int32, error) {
	ids, err := v.c.tokenize(ctx, text, addSpecial && v.bos >= 0, false)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := v.check(id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (v *vocab) Decode(ids []int32) (string, error) {
	return v.DecodeContext(context.Background(), ids)
}

func (v *vocab) DecodeContext(ctx context.Context, ids []int32) (string, error) {
	for _, id := range ids {
		if err := v.check(id); err != nil {
			return "", err
		}
	}
	return v.c.detokenize(ctx, ids)
}

// Piece returns the text of one token. Special tokens have no text. The
// server renders text as JSON strings, so a byte token that is only part of
// a character comes back as U+FFFD; generation goes through NewStream,
// which decodes such tokens together with their continuation.
func (v *vocab) Piece(id int32) ([]byte, error) {
	return v.piece(context.Background(), id)
}

func (v *vocab) piece(ctx context.Context, id int32) ([]byte, error) {
	if err := v.check(id); err != nil {
		return nil, err
	}
	if id == v.bos || id == v.eos {
		return nil, nil
	}
	if p, ok := v.pieces.Load(id); ok {
		return p.([]byte), nil
	}
	s, err := v.c.detokenize(ctx, []int32{id})
	if err != nil {
		return nil, err
	}
	p := []byte(s)
	v.pieces.Store(id, p)
	return p, nil
}

// NewStream returns a stream that holds tokens whose text is an unfinished
// character and detokenizes them as one run once the character completes.
func (v *vocab) NewStream() tokenizer.TokenStream { return &runStream{v: v} }

type runStream struct {
	v       *vocab
	pending []int32
}

func (s *runStream) Next(ctx context.Context, id int32) (string, error) {
	if len(s.pending) == 0 {
		p, err := s.v.piece(ctx, id)
		if err != nil {
			return "", err
		}
		if !bytes.ContainsRune(p, utf8.RuneError) {
			return string(p), nil
		}
	} else if err := s.v.check(id); err != nil {
		return "", err
	}
	s.pending = append(s.pending, id)
	text, err := s.v.c.detokenize(ctx, s.pending)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(text, string(utf8.RuneError)) && len(s.pending) < utf8.UTFMax {
		return "", nil
	}
	// a run that still cannot form a character is dropped
	s.pending = s.pending[:0]
	return strings.ReplaceAll(text, string(utf8.RuneError), ""), nil
}

func (v *vocab) BOS() int32     { return v.bos }
func (v *vocab) EOS() int32     { return v.eos }
func (v *vocab) VocabSize() int { return v.size }

func (v *vocab) check(id int32) error {
	if id < 0 || int(id) >= v.size {
		return fmt.Errorf("%w: %d", tokenizer.ErrInvalidToken, id)
	}
	return nil
}

type completionRequest struct {
	Prompt      []int32 `json:"prompt"`
	NPredict    int     `json:"n_predict"`
	NProbs      int     `json:"n_probs,omitempty"`
	CachePrompt bool    `json:"cache_prompt"`
	IDSlot      int     `json:"id_slot"`
	Temperature float32 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float32 `json:"top_p"`
	MinP        float32 `json:"min_p"`
	// PostSamplingProbs=false asks for the raw distribution.
	PostSamplingProbs bool `json:"post_sampling_probs"`
}

type tokenProb struct {
	ID      *int32   `json:"id"`
	LogProb *float64 `json:"logprob"`
	Prob    *float64 `json:"prob"`
}

type completionProbs struct {
	TopLogProbs []tokenProb `json:"top_logprobs"`
	Probs       []tokenProb `json:"probs"`
}

type completionResponse struct {
	CompletionProbabilities []completionProbs `json:"completion_probabilities"`
}

// decodeContext is one generation's view of a server slot. The prompt is
// evaluated eagerly; single generated tokens are appended locally and
// evaluated together with the next distribution request, which reuses the
// slot's cached prefix.
type decodeContext struct {
	m         *model
	slot      int
	history   []int32
	evaluated bool
	closed    bool
}

func (d *decodeContext) Decode(ctx context.Context, tokens []int32) error {
	if d.closed {
		return errors.New("decode context closed")
	}
	for _, id := range tokens {
		if err := d.m.vocab.check(id); err != nil {
			return err
		}
	}
	if len(d.history)+len(tokens) > d.m.nCtx {
		return fmt.Errorf("context window exceeded: %d > %d", len(d.history)+len(tokens), d.m.nCtx)
	}
	d.history = append(d.history, tokens...)
	if d.evaluated {
		return nil
	}
	req := completionRequest{Prompt: d.history, NPredict: 0, CachePrompt: true, IDSlot: d.slot}
	if err := d.m.c.post(ctx, "/completion", req, nil); err != nil {
		return fmt.Errorf("prefill: %w", err)
	}
	d.evaluated = true
	return nil
}

// Distribution returns the top candidates for the next token. Logits are
// log-probabilities, which differ from raw logits by a constant and so
// sample identically.
func (d *decodeContext) Distribution(ctx context.Context) ([]sample.Candidate, error) {
	if d.closed {
		return nil, errors.New("decode context closed")
	}
	if len(d.history) == 0 {
		return nil, errors.New("distribution requested before prefill")
	}
	req := completionRequest{
		Prompt:      d.history,
		NPredict:    1,
		NProbs:      d.m.b.cfg.Candidates,
		CachePrompt: true,
		IDSlot:      d.slot,
		Temperature: 1,
		TopP:        1,
	}
	var resp completionResponse
	if err := d.m.c.post(ctx, "/completion", req, &resp); err != nil {
		return nil, err
	}
	d.evaluated = true
	if len(resp.CompletionProbabilities) == 0 {
		return nil, errors.New("server returned no probabilities")
	}
	first := resp.CompletionProbabilities[0]
	src := first.TopLogProbs
	if len(src) == 0 {
		src = first.Probs
	}
	cands := make([]sample.Candidate, 0, len(src))
	for _, tp := range src {
		if tp.ID == nil {
			continue
		}
		var lp float64
		switch {
		case tp.LogProb != nil:
			lp = *tp.LogProb
		case tp.Prob != nil && *tp.Prob > 0:
			lp = math.Log(*tp.Prob)
		default:
			continue
		}
		cands = append(cands, sample.Candidate{ID: *tp.ID, Logit: float32(lp)})
	}
	if len(cands) == 0 {
		return nil, errors.New("server returned no token candidates")
	}
	return cands, nil
}

// Close returns the slot to the model.
func (d *decodeContext) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.m.slots <- d.slot
	return nil
}
