package tokenizer

import (
	"context"
	"unicode/utf8"
)

// TokenStream turns generated ids into text one token at a time. Next
// returns only complete characters; bytes of an unfinished character are
// held until a later token completes them.
type TokenStream interface {
	Next(ctx context.Context, id int32) (string, error)
}

// Streamer is implemented by codecs whose single-token pieces are not raw
// bytes and which therefore assemble text themselves.
type Streamer interface {
	NewStream() TokenStream
}

// NewTokenStream returns a stream for one generation over c.
func NewTokenStream(c Codec) TokenStream {
	if s, ok := c.(Streamer); ok {
		return s.NewStream()
	}
	return &pieceStream{c: c}
}

// pieceStream feeds raw token pieces through a StreamDecoder.
type pieceStream struct {
	c   Codec
	dec StreamDecoder
}

func (s *pieceStream) Next(ctx context.Context, id int32) (string, error) {
	piece, err := s.c.Piece(id)
	if err != nil {
		return "", err
	}
	return s.dec.Write(piece), nil
}

// StreamDecoder assembles token pieces into text without splitting
// multi-byte characters. Bytes that start a valid but unfinished UTF-8
// sequence are held until the rest arrives; bytes that can never form a
// valid sequence are dropped.
type StreamDecoder struct {
	pending []byte
}

// Write appends piece and returns the text that is now complete.
func (d *StreamDecoder) Write(piece []byte) string {
	d.pending = append(d.pending, piece...)
	var out []byte
	i := 0
	for i < len(d.pending) {
		r, size := utf8.DecodeRune(d.pending[i:])
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(d.pending[i:]) {
				break
			}
			i++
			continue
		}
		out = append(out, d.pending[i:i+size]...)
		i += size
	}
	d.pending = append(d.pending[:0], d.pending[i:]...)
	return string(out)
}

// Pending reports how many bytes are buffered.
func (d *StreamDecoder) Pending() int { return len(d.pending) }

// Flush discards any unfinished sequence.
func (d *StreamDecoder) Flush() {
	d.pending = d.pending[:0]
}
