package tokenizer

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/emirpasic/gods/trees/binaryheap"
	"google.golang.org/protobuf/encoding/protowire"
)

const spmWhitespaceSep = "▁"

// Piece types from sentencepiece_model.proto.
const (
	pieceNormal      int32 = 1
	pieceUnknown     int32 = 2
	pieceControl     int32 = 3
	pieceUserDefined int32 = 4
	pieceUnused      int32 = 5
	pieceByte        int32 = 6
)

// SentencePiece is a unigram/BPE vocabulary read from a tokenizer.model file.
// It is immutable after load and safe for concurrent use.
type SentencePiece struct {
	pieces         []string
	scores         []float32
	types          []int32
	index          map[string]int32
	byteIDs        [256]int32
	bos, eos, unk  int32
	addDummyPrefix bool
}

var _ Codec = (*SentencePiece)(nil)

// LoadSentencePiece reads and parses a tokenizer.model file.
func LoadSentencePiece(path string) (*SentencePiece, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sp, err := ParseSentencePiece(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sp, nil
}

// ParseSentencePiece decodes a serialized ModelProto.
func ParseSentencePiece(b []byte) (*SentencePiece, error) {
	sp := &SentencePiece{bos: 1, eos: 2, unk: 0, addDummyPrefix: true}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.BytesType && num >= 1 && num <= 3 {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			var err error
			switch num {
			case 1:
				err = sp.parsePiece(v)
			case 2:
				err = sp.parseTrainerSpec(v)
			case 3:
				err = sp.parseNormalizerSpec(v)
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if len(sp.pieces) == 0 {
		return nil, errors.New("sentencepiece: no pieces")
	}
	if err := checkRange(sp.eos, len(sp.pieces)); err != nil {
		return nil, fmt.Errorf("sentencepiece: eos: %w", err)
	}
	if sp.unk < 0 || sp.unk >= int32(len(sp.pieces)) {
		return nil, fmt.Errorf("sentencepiece: unk id %d out of range", sp.unk)
	}
	sp.index = make(map[string]int32, len(sp.pieces))
	for i := range sp.byteIDs {
		sp.byteIDs[i] = -1
	}
	for i, p := range sp.pieces {
		switch sp.types[i] {
		case pieceNormal, pieceUserDefined:
			if _, dup := sp.index[p]; !dup {
				sp.index[p] = int32(i)
			}
		case pieceByte:
			if v, ok := parseByteToken(p); ok {
				sp.byteIDs[v] = int32(i)
			}
		}
	}
	return sp, nil
}

func (sp *SentencePiece) parsePiece(b []byte) error {
	var (
		piece string
		score float32
		typ   = pieceNormal
	)
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			piece, b = string(v), b[n:]
		case num == 2 && wt == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			score, b = math.Float32frombits(v), b[n:]
		case num == 3 && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			typ, b = int32(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wt, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	sp.pieces = append(sp.pieces, piece)
	sp.scores = append(sp.scores, score)
	sp.types = append(sp.types, typ)
	return nil
}

func (sp *SentencePiece) parseTrainerSpec(b []byte) error {
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if wt == protowire.VarintType && (num == 40 || num == 41 || num == 42) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			id := int32(int64(v))
			switch num {
			case 40:
				sp.unk = id
			case 41:
				sp.bos = id
			case 42:
				sp.eos = id
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, wt, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func (sp *SentencePiece) parseNormalizerSpec(b []byte) error {
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if num == 3 && wt == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			sp.addDummyPrefix = protowire.DecodeBool(v)
			continue
		}
		n = protowire.ConsumeFieldValue(num, wt, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// parseByteToken parses "<0xNN>".
func parseByteToken(p string) (byte, bool) {
	if len(p) != 6 || !strings.HasPrefix(p, "<0x") || p[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(p[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (sp *SentencePiece) BOS() int32     { return sp.bos }
func (sp *SentencePiece) EOS() int32     { return sp.eos }
func (sp *SentencePiece) VocabSize() int { return len(sp.pieces) }

type spmMerge struct {
	p, n  int
	runes []rune
}

type spmCandidate struct {
	a, b  int
	score float32
	text  string
}

// Encode never fails on valid UTF-8: anything the merge table cannot cover
// falls back to byte tokens and finally to the unknown id, so non-empty
// input always produces at least one id.
func (sp *SentencePiece) Encode(text string, addSpecial bool) ([]int32, error) {
	var ids []int32
	if addSpecial && sp.bos >= 0 {
		ids = append(ids, sp.bos)
	}
	if text == "" {
		return ids, nil
	}
	if sp.addDummyPrefix {
		text = " " + text
	}
	text = strings.ReplaceAll(text, " ", spmWhitespaceSep)
	if id, ok := sp.index[text]; ok {
		return append(ids, id), nil
	}

	runes := []rune(text)
	merges := make([]spmMerge, len(runes))
	for r := range runes {
		merges[r] = spmMerge{p: r - 1, n: r + 1, runes: []rune{runes[r]}}
	}

	// Highest score first, leftmost on ties.
	pq := binaryheap.NewWith(func(x, y interface{}) int {
		a, b := x.(*spmCandidate), y.(*spmCandidate)
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		case a.a < b.a:
			return -1
		case a.a > b.a:
			return 1
		}
		return 0
	})
	pairwise := func(a, b int) *spmCandidate {
		if a < 0 || b >= len(runes) {
			return nil
		}
		joined := string(merges[a].runes) + string(merges[b].runes)
		if id, ok := sp.index[joined]; ok {
			return &spmCandidate{a: a, b: b, score: sp.scores[id], text: joined}
		}
		return nil
	}
	for i := 0; i < len(runes)-1; i++ {
		if c := pairwise(i, i+1); c != nil {
			pq.Push(c)
		}
	}
	for !pq.Empty() {
		v, _ := pq.Pop()
		c := v.(*spmCandidate)
		left, right := merges[c.a], merges[c.b]
		// stale: one side was merged away since this candidate was queued
		if len(left.runes) == 0 || len(right.runes) == 0 || left.n != c.b || string(left.runes)+string(right.runes) != c.text {
			continue
		}
		merges[c.a].runes = append(append([]rune(nil), left.runes...), right.runes...)
		merges[c.b].runes = nil
		merges[c.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = c.a
		}
		if nc := pairwise(merges[c.a].p, c.a); nc != nil {
			pq.Push(nc)
		}
		if nc := pairwise(c.a, merges[c.a].n); nc != nil {
			pq.Push(nc)
		}
	}

	for _, m := range merges {
		if len(m.runes) == 0 {
			continue
		}
		piece := string(m.runes)
		if id, ok := sp.index[piece]; ok {
			ids = append(ids, id)
			continue
		}
		for _, c := range []byte(piece) {
			if id := sp.byteIDs[c]; id >= 0 {
				ids = append(ids, id)
				continue
			}
			// one unk per unknown piece, not per byte
			if n := len(ids); n == 0 || ids[n-1] != sp.unk {
				ids = append(ids, sp.unk)
			}
		}
	}
	return ids, nil
}

// Piece returns the surface bytes of id with the word-boundary marker
// rendered as a space. Control tokens render as nothing.
func (sp *SentencePiece) Piece(id int32) ([]byte, error) {
	if err := checkRange(id, len(sp.pieces)); err != nil {
		return nil, err
	}
	p := sp.pieces[id]
	switch sp.types[id] {
	case pieceControl, pieceUnused:
		return nil, nil
	case pieceUnknown:
		return []byte(" ⁇ "), nil
	case pieceByte:
		if v, ok := parseByteToken(p); ok {
			return []byte{v}, nil
		}
	}
	return []byte(strings.ReplaceAll(p, spmWhitespaceSep, " ")), nil
}

// Decode joins the pieces of ids and removes the dummy prefix space.
func (sp *SentencePiece) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		b, err := sp.Piece(id)
		if err != nil {
			return "", err
		}
		sb.Write(b)
	}
	out := sb.String()
	if sp.addDummyPrefix {
		out = strings.TrimPrefix(out, " ")
	}
	return out, nil
}
