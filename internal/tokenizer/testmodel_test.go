package tokenizer

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

type testPiece struct {
	text  string
	score float32
	typ   int32
}

func appendPiece(b []byte, p testPiece) []byte {
	var m []byte
	m = protowire.AppendTag(m, 1, protowire.BytesType)
	m = protowire.AppendString(m, p.text)
	m = protowire.AppendTag(m, 2, protowire.Fixed32Type)
	m = protowire.AppendFixed32(m, math.Float32bits(p.score))
	m = protowire.AppendTag(m, 3, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(p.typ))
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// buildModel serializes a ModelProto with the given pieces. bos < -1 leaves
// the trainer spec defaults in place.
func buildModel(pieces []testPiece, bos int64, dummyPrefix bool) []byte {
	var b []byte
	for _, p := range pieces {
		b = appendPiece(b, p)
	}
	if bos >= -1 {
		var ts []byte
		ts = protowire.AppendTag(ts, 41, protowire.VarintType)
		ts = protowire.AppendVarint(ts, uint64(bos))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	if !dummyPrefix {
		var ns []byte
		ns = protowire.AppendTag(ns, 3, protowire.VarintType)
		ns = protowire.AppendVarint(ns, protowire.EncodeBool(false))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, ns)
	}
	return b
}

// basePieces is a small llama-style vocabulary: unk, bos, eos, optional
// byte tokens, then word pieces.
func basePieces(withBytes bool) []testPiece {
	ps := []testPiece{
		{"<unk>", 0, pieceUnknown},
		{"<s>", 0, pieceControl},
		{"</s>", 0, pieceControl},
	}
	if withBytes {
		for i := 0; i < 256; i++ {
			ps = append(ps, testPiece{fmt.Sprintf("<0x%02X>", i), 0, pieceByte})
		}
	}
	return append(ps,
		testPiece{"▁hello", -1, pieceNormal},
		testPiece{"▁world", -1.5, pieceNormal},
		testPiece{"he", -2, pieceNormal},
		testPiece{"▁he", -2.5, pieceNormal},
		testPiece{"llo", -3, pieceNormal},
		testPiece{"ll", -4, pieceNormal},
		testPiece{"▁", -5, pieceNormal},
		testPiece{"h", -10, pieceNormal},
		testPiece{"e", -10, pieceNormal},
		testPiece{"l", -10, pieceNormal},
		testPiece{"o", -10, pieceNormal},
		testPiece{"w", -10, pieceNormal},
		testPiece{"r", -10, pieceNormal},
		testPiece{"d", -10, pieceNormal},
	)
}

func mustModel(withBytes bool) *SentencePiece {
	sp, err := ParseSentencePiece(buildModel(basePieces(withBytes), -2, true))
	if err != nil {
		panic(err)
	}
	return sp
}
