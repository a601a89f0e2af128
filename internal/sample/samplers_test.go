package sample

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func dist() []Candidate {
	return []Candidate{{0, 1}, {1, 3}, {2, 2}, {3, 3}, {4, -1}}
}

func TestGreedy(t *testing.T) {
	s := New(Params{Temperature: 0})
	if !s.Greedy() {
		t.Fatalf("temperature 0 should be greedy")
	}
	id, err := s.Sample(dist())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	// ties break toward the lower id
	if id != 1 {
		t.Fatalf("id=%d", id)
	}
}

func TestSampleEmpty(t *testing.T) {
	if _, err := New(DefaultParams()).Sample(nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSeededReproducible(t *testing.T) {
	p := DefaultParams()
	p.Seed = 42
	a, b := New(p), New(p)
	var got1, got2 []int32
	for range 50 {
		x, err := a.Sample(dist())
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		y, _ := b.Sample(dist())
		got1 = append(got1, x)
		got2 = append(got2, y)
	}
	if diff := cmp.Diff(got1, got2); diff != "" {
		t.Fatalf("seeded samplers diverged (-a +b):\n%s", diff)
	}
}

func TestTopKOne(t *testing.T) {
	s := New(Params{Temperature: 1, TopK: 1, TopP: 1, Seed: 7})
	for range 20 {
		id, _ := s.Sample(dist())
		if id != 1 {
			t.Fatalf("top-k 1 should always pick the best, got %d", id)
		}
	}
}

func TestTopPSmall(t *testing.T) {
	// one dominant token: nucleus 0.5 contains only it
	cands := []Candidate{{0, 10}, {1, 0}, {2, 0}}
	s := New(Params{Temperature: 1, TopK: 0, TopP: 0.5, Seed: 1})
	for range 20 {
		id, _ := s.Sample(append([]Candidate(nil), cands...))
		if id != 0 {
			t.Fatalf("got %d", id)
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	probs := softmax(topK(dist(), 0), 0.8)
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("sum=%f", sum)
	}
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[i-1] {
			t.Fatalf("probs not descending: %v", probs)
		}
	}
}

func TestNewClamps(t *testing.T) {
	s := New(Params{Temperature: -1, TopP: 2, Seed: -1})
	if s.temperature != 0 || s.topP != 1 || s.rng != nil {
		t.Fatalf("unexpected sampler %+v", s)
	}
}
