// Package engine runs chat generation against a loaded model.
//
// The numerical work is delegated to a Backend; the engine owns prompt
// assembly, tokenization, truncation, the decode loop and sampling.
package engine

import (
	"context"

	"chatd/internal/sample"
	"chatd/internal/tokenizer"
)

// LoadOptions configures a model load.
type LoadOptions struct {
	// ContextSize is the attention window in tokens. Zero lets the backend pick.
	ContextSize int
}

// Backend loads model artifacts.
type Backend interface {
	// Load opens the weights at path. A file that cannot be loaded yields
	// an error; callers treat that as an invalid artifact.
	Load(ctx context.Context, path string, opts LoadOptions) (Model, error)
}

// Model is a loaded, logically immutable model. Safe for concurrent use.
type Model interface {
	// Vocabulary returns the vocabulary embedded in the model artifact.
	Vocabulary() tokenizer.Codec
	// ContextSize is the attention window available to each DecodeContext.
	ContextSize() int
	// NewContext allocates request-local decode state (KV cache).
	NewContext(ctx context.Context) (DecodeContext, error)
	Close() error
}

// DecodeContext is per-call decode state. Not safe for concurrent use.
type DecodeContext interface {
	// Decode appends tokens to the context, advancing the KV cache.
	Decode(ctx context.Context, tokens []int32) error
	// Distribution returns next-token candidates for the last decoded position.
	Distribution(ctx context.Context) ([]sample.Candidate, error)
	Close() error
}
