// Package sample picks the next token from a model's output distribution.
package sample

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

// Defaults for chat generation.
const (
	DefaultTemperature = 0.8
	DefaultTopK        = 40
	DefaultTopP        = 0.9
	DefaultMaxTokens   = 1024
)

// Candidate is one entry of a next-token distribution. Logit may be a raw
// logit or a log-probability; only relative values matter.
type Candidate struct {
	ID    int32
	Logit float32
}

// Params configures a Sampler. Seed < 0 draws from the global source.
type Params struct {
	Temperature float32 `mapstructure:"temperature"`
	TopK        int     `mapstructure:"top_k"`
	TopP        float32 `mapstructure:"top_p"`
	Seed        int64   `mapstructure:"seed"`
}

// DefaultParams returns the chat defaults: temperature 0.8, top-k 40,
// top-p 0.9, unseeded.
func DefaultParams() Params {
	return Params{Temperature: DefaultTemperature, TopK: DefaultTopK, TopP: DefaultTopP, Seed: -1}
}

type Sampler struct {
	rng         *rand.Rand
	topK        int
	topP        float32
	temperature float32
}

func New(p Params) *Sampler {
	var rng *rand.Rand
	if p.Seed >= 0 {
		sequence := uint64(p.Seed)
		rng = rand.New(rand.NewPCG(sequence, sequence^0x9E3779B9))
	}
	temp := p.Temperature
	if temp < 0 {
		temp = 0
	}
	topP := p.TopP
	if topP <= 0 || topP > 1 {
		topP = 1
	}
	return &Sampler{rng: rng, topK: p.TopK, topP: topP, temperature: temp}
}

// Greedy reports whether the sampler always takes the argmax.
func (s *Sampler) Greedy() bool { return s.temperature == 0 }

// Sample selects a token id. The slice is reordered in place.
func (s *Sampler) Sample(cands []Candidate) (int32, error) {
	if len(cands) == 0 {
		return -1, errors.New("sample: empty distribution")
	}
	if s.temperature == 0 {
		return greedy(cands).ID, nil
	}

	tokens := topK(cands, s.topK)
	probs := softmax(tokens, s.temperature)
	tokens, probs = topP(tokens, probs, s.topP)

	var r float64
	if s.rng != nil {
		r = s.rng.Float64()
	} else {
		r = rand.Float64()
	}

	var sum float64
	for i := range probs {
		sum += probs[i]
		probs[i] = sum
	}
	if math.IsNaN(sum) || sum == 0 {
		return -1, errors.New("sample: distribution sums to NaN or zero")
	}
	r *= sum
	idx, _ := slices.BinarySearchFunc(probs, r, func(p, target float64) int {
		if p < target {
			return -1
		}
		return 1
	})
	if idx >= len(tokens) {
		idx = len(tokens) - 1
	}
	return tokens[idx].ID, nil
}

// greedy returns the highest-logit candidate, lowest id on ties.
func greedy(cands []Candidate) Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Logit > best.Logit || (c.Logit == best.Logit && c.ID < best.ID) {
			best = c
		}
	}
	return best
}

// topK sorts descending by logit and keeps the first k. k <= 0 keeps all.
func topK(cands []Candidate, k int) []Candidate {
	slices.SortStableFunc(cands, func(a, b Candidate) int {
		switch {
		case a.Logit > b.Logit:
			return -1
		case a.Logit < b.Logit:
			return 1
		}
		return int(a.ID - b.ID)
	})
	if k > 0 && k < len(cands) {
		cands = cands[:k]
	}
	return cands
}

// softmax over temperature-scaled logits; max is subtracted for stability.
func softmax(cands []Candidate, temp float32) []float64 {
	t := math.Max(float64(temp), 1e-7)
	maxLogit := math.Inf(-1)
	for _, c := range cands {
		maxLogit = math.Max(maxLogit, float64(c.Logit))
	}
	probs := make([]float64, len(cands))
	var sum float64
	for i, c := range cands {
		probs[i] = math.Exp((float64(c.Logit) - maxLogit) / t)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// topP keeps the smallest sorted prefix whose mass reaches p.
func topP(cands []Candidate, probs []float64, p float32) ([]Candidate, []float64) {
	if p >= 1 {
		return cands, probs
	}
	var sum float64
	for i := range probs {
		sum += probs[i]
		if sum >= float64(p) {
			return cands[:i+1], probs[:i+1]
		}
	}
	return cands, probs
}
