package llamaserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// fakeServer speaks the subset of the llama-server API the backend uses.
// Its vocabulary is byte level: 0 unk, 1 bos, 2 eos, 3+b for byte b.
type fakeServer struct {
	mu          sync.Mutex
	reply       string
	nCtx        int
	slots       int
	oldFormat   bool
	failPrefill bool
	prefills    int
	steps       int
	detokenize  int
	slotsSeen   map[int]bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"test","meta":{"n_vocab":259,"n_ctx_train":4096}}]}`))
	})
	mux.HandleFunc("/props", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"default_generation_settings": map[string]any{"n_ctx": f.nCtx},
			"total_slots":                 f.slots,
			"bos_token":                   "<s>",
			"eos_token":                   "</s>",
		})
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req tokenizeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		ids := []int32{}
		switch {
		case req.ParseSpecial && req.Content == "</s>":
			ids = append(ids, 2)
		default:
			if req.AddSpecial {
				ids = append(ids, 1)
			}
			for i := 0; i < len(req.Content); i++ {
				ids = append(ids, 3+int32(req.Content[i]))
			}
		}
		_ = json.NewEncoder(w).Encode(tokenizeResponse{Tokens: ids})
	})
	mux.HandleFunc("/detokenize", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.detokenize++
		f.mu.Unlock()
		var req detokenizeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		var b []byte
		for _, id := range req.Tokens {
			if id >= 3 {
				b = append(b, byte(id-3))
			}
		}
		_ = json.NewEncoder(w).Encode(detokenizeResponse{Content: string(b)})
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.slotsSeen == nil {
			f.slotsSeen = map[int]bool{}
		}
		f.slotsSeen[req.IDSlot] = true
		if req.NPredict == 0 {
			if f.failPrefill {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			f.prefills++
			_, _ = w.Write([]byte(`{"content":""}`))
			return
		}
		// the step is the number of generated tokens already in the prompt
		next := int32(2)
		if f.steps < len(f.reply) {
			next = 3 + int32(f.reply[f.steps])
		}
		f.steps++
		alt := int32(3 + '~')
		if f.oldFormat {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"completion_probabilities": []any{map[string]any{
					"probs": []any{
						map[string]any{"id": next, "prob": 0.9},
						map[string]any{"id": alt, "prob": 0.1},
					},
				}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"completion_probabilities": []any{map[string]any{
				"id": next,
				"top_logprobs": []any{
					map[string]any{"id": next, "logprob": -0.1},
					map[string]any{"id": alt, "logprob": -2.5},
				},
			}},
		})
	})
	return mux
}

func newFake(t *testing.T, f *fakeServer) *httptest.Server {
	t.Helper()
	if f.nCtx == 0 {
		f.nCtx = 64
	}
	if f.slots == 0 {
		f.slots = 1
	}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return srv
}

func writeGGUF(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(p, []byte(Magic+"\x03\x00\x00\x00rest"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}
