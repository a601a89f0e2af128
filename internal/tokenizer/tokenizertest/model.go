// Package tokenizertest builds small SentencePiece model files for tests.
package tokenizertest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// Model returns a serialized tokenizer.model with unk/bos/eos, all 256 byte
// tokens and a few word pieces.
func Model() []byte {
	type piece struct {
		text  string
		score float32
		typ   uint64
	}
	ps := []piece{{"<unk>", 0, 2}, {"<s>", 0, 3}, {"</s>", 0, 3}}
	for i := 0; i < 256; i++ {
		ps = append(ps, piece{fmt.Sprintf("<0x%02X>", i), 0, 6})
	}
	ps = append(ps,
		piece{"▁hello", -1, 1},
		piece{"▁world", -1, 1},
		piece{"▁", -5, 1},
	)
	var b []byte
	for _, p := range ps {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendString(m, p.text)
		m = protowire.AppendTag(m, 2, protowire.Fixed32Type)
		m = protowire.AppendFixed32(m, math.Float32bits(p.score))
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, p.typ)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// WriteModel writes Model() to dir/name and returns the path.
func WriteModel(t testing.TB, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, Model(), 0o644); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}
	return p
}
