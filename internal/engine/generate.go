package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatd/internal/apperr"
	"chatd/internal/sample"
	"chatd/internal/tokenizer"
	"chatd/pkg/types"
)

// AssistantOpener is appended after the transcript to cue the reply.
const AssistantOpener = "assistant: "

// Finish reasons.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Options tunes one generation.
type Options struct {
	Sampling sample.Params
	// MaxTokens caps generated tokens. Zero means sample.DefaultMaxTokens.
	MaxTokens int
	// Reserve is the number of context positions kept free for the reply
	// when truncating the prompt. Zero means min(MaxTokens, ctx/2).
	Reserve int
	// OnToken is called after each accepted token with the running count.
	OnToken func(n int)
}

// DefaultOptions returns the chat defaults.
func DefaultOptions() Options {
	return Options{Sampling: sample.DefaultParams(), MaxTokens: sample.DefaultMaxTokens}
}

// Result is a completed generation.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
	// Truncated is set when the oldest prompt tokens were dropped.
	Truncated bool
}

// BuildPrompt serializes a transcript as "{role}: {content}\n" per turn
// followed by the assistant opener. An empty transcript yields the opener.
func BuildPrompt(msgs []types.ChatMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	sb.WriteString(AssistantOpener)
	return sb.String()
}

// truncate keeps the most recent limit tokens, preserving a leading bos.
func truncate(ids []int32, limit int, bos int32) ([]int32, bool) {
	if limit <= 0 || len(ids) <= limit {
		return ids, false
	}
	if bos >= 0 && len(ids) > 0 && ids[0] == bos && limit > 1 {
		out := make([]int32, 0, limit)
		out = append(out, bos)
		return append(out, ids[len(ids)-(limit-1):]...), true
	}
	return ids[len(ids)-limit:], true
}

// Generate runs one chat completion. codec may be nil to use the model's
// embedded vocabulary. The call is full-or-nothing: any failure after
// prefill discards the partial text. ctx is checked once per generated
// token.
func Generate(ctx context.Context, msgs []types.ChatMessage, model Model, codec tokenizer.Codec, opts Options) (Result, error) {
	const op = "generate"
	if model == nil {
		return Result{}, apperr.Msg(apperr.KindNoActiveModel, op, "no model loaded")
	}
	if codec == nil {
		codec = model.Vocabulary()
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = sample.DefaultMaxTokens
	}

	prompt := BuildPrompt(msgs)
	ids, err := tokenizer.Encode(ctx, codec, prompt, true)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, apperr.New(apperr.KindTokenization, op, err)
	}
	if len(ids) == 0 {
		return Result{}, apperr.Msg(apperr.KindEmptyPrompt, op, "prompt produced no tokens")
	}

	window := model.ContextSize()
	res := Result{}
	if window > 0 {
		reserve := opts.Reserve
		if reserve <= 0 {
			reserve = min(maxTokens, window/2)
		}
		ids, res.Truncated = truncate(ids, max(window-reserve, 1), codec.BOS())
		// the reply may not outgrow the window
		maxTokens = min(maxTokens, window-len(ids))
	}
	res.PromptTokens = len(ids)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	dc, err := model.NewContext(ctx)
	if err != nil {
		return Result{}, apperr.New(apperr.KindPrefill, op, fmt.Errorf("new context: %w", err))
	}
	defer dc.Close()

	if err := dc.Decode(ctx, ids); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, apperr.New(apperr.KindPrefill, op, err)
	}

	sampler := sample.New(opts.Sampling)
	eos := codec.EOS()
	var out strings.Builder
	stream := tokenizer.NewTokenStream(codec)
	res.FinishReason = FinishLength
	for res.CompletionTokens < maxTokens {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		cands, err := dc.Distribution(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			return Result{}, apperr.New(apperr.KindDecode, op, err)
		}
		tok, err := sampler.Sample(cands)
		if err != nil {
			return Result{}, apperr.New(apperr.KindDecode, op, err)
		}
		if tok == eos {
			res.FinishReason = FinishStop
			break
		}
		text, err := stream.Next(ctx, tok)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			if errors.Is(err, tokenizer.ErrInvalidToken) {
				return Result{}, apperr.New(apperr.KindDecode, op, err)
			}
			return Result{}, apperr.New(apperr.KindTokenization, op, err)
		}
		out.WriteString(text)
		if err := dc.Decode(ctx, []int32{tok}); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			return Result{}, apperr.New(apperr.KindDecode, op, err)
		}
		res.CompletionTokens++
		if opts.OnToken != nil {
			opts.OnToken(res.CompletionTokens)
		}
	}
	res.Text = strings.TrimPrefix(out.String(), " ")
	return res, nil
}
