// Package tokenizer converts between text and token ids.
//
// Two codecs satisfy Codec: SentencePiece, loaded from an external
// tokenizer.model artifact, and the model's embedded vocabulary, served by
// the inference backend. Which one a model uses is decided once at load time.
package tokenizer

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidToken is returned for ids outside the vocabulary.
var ErrInvalidToken = errors.New("token id out of range")

// Codec is a loaded vocabulary.
type Codec interface {
	// Encode tokenizes text. With addSpecial the beginning-of-sequence id is
	// prepended when the vocabulary defines one.
	Encode(text string, addSpecial bool) ([]int32, error)
	// Decode renders ids to text.
	Decode(ids []int32) (string, error)
	// Piece returns the raw bytes of a single token. Byte-fallback tokens
	// yield a single, possibly incomplete, UTF-8 byte.
	Piece(id int32) ([]byte, error)
	BOS() int32
	EOS() int32
	VocabSize() int
}

// ContextCodec is implemented by codecs that do remote work per call and
// can stop it when ctx is done.
type ContextCodec interface {
	EncodeContext(ctx context.Context, text string, addSpecial bool) ([]int32, error)
	DecodeContext(ctx context.Context, ids []int32) (string, error)
}

// Encode tokenizes text with c, passing ctx through when c supports it.
func Encode(ctx context.Context, c Codec, text string, addSpecial bool) ([]int32, error) {
	if cc, ok := c.(ContextCodec); ok {
		return cc.EncodeContext(ctx, text, addSpecial)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Encode(text, addSpecial)
}

// Decode renders ids with c, passing ctx through when c supports it.
func Decode(ctx context.Context, c Codec, ids []int32) (string, error) {
	if cc, ok := c.(ContextCodec); ok {
		return cc.DecodeContext(ctx, ids)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.Decode(ids)
}

func checkRange(id int32, n int) error {
	if id < 0 || int(id) >= n {
		return fmt.Errorf("%w: %d (vocab size %d)", ErrInvalidToken, id, n)
	}
	return nil
}
