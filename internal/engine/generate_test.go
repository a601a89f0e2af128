package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"chatd/internal/apperr"
	"chatd/internal/engine"
	"chatd/internal/engine/enginetest"
	"chatd/internal/sample"
	"chatd/internal/tokenizer"
	"chatd/pkg/types"
)

func greedyOpts() engine.Options {
	o := engine.DefaultOptions()
	o.Sampling = sample.Params{Temperature: 0}
	return o
}

func hello() []types.ChatMessage {
	return []types.ChatMessage{{Role: types.RoleUser, Content: "hello"}}
}

func TestBuildPrompt(t *testing.T) {
	if got := engine.BuildPrompt(nil); got != "assistant: " {
		t.Fatalf("got %q", got)
	}
	msgs := []types.ChatMessage{
		{Role: types.RoleSystem, Content: "be brief"},
		{Role: types.RoleUser, Content: "hello"},
	}
	if got := engine.BuildPrompt(msgs); got != "system: be brief\nuser: hello\nassistant: " {
		t.Fatalf("got %q", got)
	}
}

func TestGenerateGreedyReproducible(t *testing.T) {
	m := &enginetest.Model{Reply: "hi there"}
	var first engine.Result
	for i := 0; i < 3; i++ {
		res, err := engine.Generate(context.Background(), hello(), m, nil, greedyOpts())
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if i == 0 {
			first = res
			continue
		}
		if diff := cmp.Diff(first, res); diff != "" {
			t.Fatalf("non-reproducible (-first +now):\n%s", diff)
		}
	}
	if first.Text != "hi there" || first.FinishReason != engine.FinishStop {
		t.Fatalf("unexpected %+v", first)
	}
	if first.CompletionTokens != len("hi there") {
		t.Fatalf("completion=%d", first.CompletionTokens)
	}
	if first.PromptTokens != len("user: hello\nassistant: ")+1 {
		t.Fatalf("prompt=%d", first.PromptTokens)
	}
	if m.OpenContexts() != 0 {
		t.Fatalf("decode contexts leaked: %d", m.OpenContexts())
	}
}

func TestGenerateSeededReproducible(t *testing.T) {
	m := &enginetest.Model{Reply: "abc", Endless: true}
	opts := engine.DefaultOptions()
	opts.Sampling.Seed = 1234
	opts.MaxTokens = 16
	a, err := engine.Generate(context.Background(), hello(), m, nil, opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := engine.Generate(context.Background(), hello(), m, nil, opts)
	if a.Text != b.Text {
		t.Fatalf("seeded runs differ: %q vs %q", a.Text, b.Text)
	}
}

func TestGenerateEmptyTranscript(t *testing.T) {
	res, err := engine.Generate(context.Background(), nil, &enginetest.Model{Reply: "ok"}, nil, greedyOpts())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "ok" || res.PromptTokens != len(engine.AssistantOpener)+1 {
		t.Fatalf("unexpected %+v", res)
	}
}

func TestGenerateAcceptsNonUserLastTurn(t *testing.T) {
	msgs := []types.ChatMessage{{Role: types.RoleAssistant, Content: "earlier reply"}}
	if _, err := engine.Generate(context.Background(), msgs, &enginetest.Model{Reply: "ok"}, nil, greedyOpts()); err != nil {
		t.Fatalf("generate: %v", err)
	}
}

func TestGenerateBudgetExhausted(t *testing.T) {
	opts := greedyOpts()
	opts.MaxTokens = 5
	res, err := engine.Generate(context.Background(), hello(), &enginetest.Model{Reply: "hi", Endless: true}, nil, opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.FinishReason != engine.FinishLength || res.CompletionTokens != 5 || res.Text != "hihih" {
		t.Fatalf("unexpected %+v", res)
	}
}

func TestGenerateTruncatesToWindow(t *testing.T) {
	m := &enginetest.Model{Reply: "x", Endless: true, Window: 40}
	res, err := engine.Generate(context.Background(), hello(), m, nil, greedyOpts())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.Truncated || res.PromptTokens != 20 {
		t.Fatalf("unexpected %+v", res)
	}
	if res.PromptTokens+res.CompletionTokens != 40 || res.FinishReason != engine.FinishLength {
		t.Fatalf("reply should fill the window: %+v", res)
	}
}

func TestGenerateUTF8AcrossTokens(t *testing.T) {
	res, err := engine.Generate(context.Background(), hello(), &enginetest.Model{Reply: " héllo 🙂"}, nil, greedyOpts())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "héllo 🙂" {
		t.Fatalf("got %q", res.Text)
	}
}

func TestGeneratePrefillFailure(t *testing.T) {
	m := &enginetest.Model{Reply: "x", FailPrefill: true}
	_, err := engine.Generate(context.Background(), hello(), m, nil, greedyOpts())
	if !apperr.Is(err, apperr.KindPrefill) {
		t.Fatalf("err=%v", err)
	}
	if m.OpenContexts() != 0 {
		t.Fatalf("context leaked")
	}
}

func TestGenerateDecodeFailureDiscardsOutput(t *testing.T) {
	m := &enginetest.Model{Reply: "hello", FailDecodeAfter: 3}
	res, err := engine.Generate(context.Background(), hello(), m, nil, greedyOpts())
	if !apperr.Is(err, apperr.KindDecode) {
		t.Fatalf("err=%v", err)
	}
	if res.Text != "" {
		t.Fatalf("partial text leaked: %q", res.Text)
	}
	if m.OpenContexts() != 0 {
		t.Fatalf("context leaked")
	}
}

func TestGenerateNoModel(t *testing.T) {
	_, err := engine.Generate(context.Background(), hello(), nil, nil, greedyOpts())
	if !apperr.Is(err, apperr.KindNoActiveModel) {
		t.Fatalf("err=%v", err)
	}
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Generate(ctx, hello(), &enginetest.Model{Reply: "x"}, nil, greedyOpts())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	opts := greedyOpts()
	opts.OnToken = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	m := &enginetest.Model{Reply: "abc", Endless: true}
	_, err = engine.Generate(ctx, hello(), m, nil, opts)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if m.OpenContexts() != 0 {
		t.Fatalf("context leaked")
	}
}

type emptyCodec struct{ enginetest.Codec }

func (emptyCodec) Encode(string, bool) ([]int32, error) { return nil, nil }

type failingCodec struct{ enginetest.Codec }

func (failingCodec) Encode(string, bool) ([]int32, error) { return nil, errors.New("boom") }

func TestGenerateTokenizerErrors(t *testing.T) {
	m := &enginetest.Model{Reply: "x"}
	var c tokenizer.Codec = emptyCodec{}
	if _, err := engine.Generate(context.Background(), hello(), m, c, greedyOpts()); !apperr.Is(err, apperr.KindEmptyPrompt) {
		t.Fatalf("err=%v", err)
	}
	c = failingCodec{}
	if _, err := engine.Generate(context.Background(), hello(), m, c, greedyOpts()); !apperr.Is(err, apperr.KindTokenization) {
		t.Fatalf("err=%v", err)
	}
}

func TestGenerateProgressCallback(t *testing.T) {
	var seen []int
	opts := greedyOpts()
	opts.OnToken = func(n int) { seen = append(seen, n) }
	if _, err := engine.Generate(context.Background(), hello(), &enginetest.Model{Reply: "abc"}, nil, opts); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, seen); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
}
