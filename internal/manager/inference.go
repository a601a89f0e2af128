package manager

import (
	"context"
	"fmt"

	"chatd/internal/apperr"
	"chatd/internal/engine"
	"chatd/internal/events"
	"chatd/internal/session"
	"chatd/internal/tokenizer"
	"chatd/internal/worker"
	"chatd/pkg/types"
)

const noModelMessage = "Model not loaded. Please download or select a valid model first."

// generationEventEvery throttles in-flight generation events to one per
// this many tokens.
const generationEventEvery = 32

// active takes a reference on the current session or reports NoActiveModel.
func (m *Manager) active(op string) (*session.Handle, error) {
	h := m.state.Get()
	if h == nil {
		return nil, apperr.Msg(apperr.KindNoActiveModel, op, noModelMessage)
	}
	return h, nil
}

// Chat generates the assistant reply for a transcript with the active
// model. Output is all-or-nothing: a failure mid-generation returns no text.
func (m *Manager) Chat(ctx context.Context, req types.ChatRequest) (types.ChatResponse, error) {
	const op = "chat"
	for i, msg := range req.Messages {
		if !types.ValidRole(msg.Role) {
			return types.ChatResponse{}, apperr.Msg(apperr.KindInvalid, op, fmt.Sprintf("message %d: unknown role %q", i, msg.Role))
		}
	}
	opts, err := decodeOptions(req.Options, m.defaults)
	if err != nil {
		return types.ChatResponse{}, apperr.New(apperr.KindInvalid, op, err)
	}
	h, err := m.active(op)
	if err != nil {
		return types.ChatResponse{}, err
	}
	defer h.Release()
	opts.OnToken = func(n int) {
		if n%generationEventEvery == 0 {
			m.pub.Publish(events.Event{Name: "generation", Model: h.Name, Fields: map[string]any{"tokens": n}})
		}
	}

	res, err := worker.Submit(ctx, m.pool, op, func(ctx context.Context) (engine.Result, error) {
		return engine.Generate(ctx, req.Messages, h.Model, h.Tokenizer, opts)
	})
	if err != nil {
		chatsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		m.log.Warn().Err(err).Str("model", h.Name).Msg("event=chat_failed")
		return types.ChatResponse{}, err
	}
	m.chats.Add(1)
	m.pub.Publish(events.Event{Name: "generation", Model: h.Name, Fields: map[string]any{"tokens": res.CompletionTokens, "finish_reason": res.FinishReason, "done": true}})
	chatsTotal.WithLabelValues("ok").Inc()
	generatedTokens.Add(float64(res.CompletionTokens))
	promptTokens.Add(float64(res.PromptTokens))
	m.log.Debug().Str("model", h.Name).Int("prompt_tokens", res.PromptTokens).Int("completion_tokens", res.CompletionTokens).Str("finish_reason", res.FinishReason).Msg("event=chat_done")
	return types.ChatResponse{
		Content:      res.Text,
		FinishReason: res.FinishReason,
		Truncated:    res.Truncated,
		Usage:        types.Usage{PromptTokens: res.PromptTokens, CompletionTokens: res.CompletionTokens},
	}, nil
}

// Tokenize encodes text with the active session's codec.
func (m *Manager) Tokenize(ctx context.Context, text string, addSpecial bool) ([]int32, error) {
	const op = "tokenize"
	h, err := m.active(op)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return worker.Submit(ctx, m.pool, op, func(ctx context.Context) ([]int32, error) {
		ids, err := tokenizer.Encode(ctx, h.Tokenizer, text, addSpecial)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, apperr.New(apperr.KindTokenization, op, err)
		}
		return ids, nil
	})
}

// Detokenize decodes ids with the active session's codec. Out-of-range ids
// are a TokenizationFailure.
func (m *Manager) Detokenize(ctx context.Context, ids []int32) (string, error) {
	const op = "detokenize"
	h, err := m.active(op)
	if err != nil {
		return "", err
	}
	defer h.Release()
	return worker.Submit(ctx, m.pool, op, func(ctx context.Context) (string, error) {
		text, err := tokenizer.Decode(ctx, h.Tokenizer, ids)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", apperr.New(apperr.KindTokenization, op, err)
		}
		return text, nil
	})
}
