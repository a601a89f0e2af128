package manager

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"chatd/internal/engine/enginetest"
	"chatd/internal/registry"
	"chatd/internal/tokenizer/tokenizertest"
	"chatd/pkg/types"
)

// modelBytes is a file the fake backend accepts.
func modelBytes() []byte { return []byte(enginetest.Magic + strings.Repeat("x", 1024)) }

// serveFiles serves path -> content and 404 for anything else.
func serveFiles(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	m       *Manager
	srv     *httptest.Server
	root    string
	backend *enginetest.Backend
	models  []*enginetest.Model
}

// newFixture builds a manager over a temp models dir whose catalog has
// "alpha" and "beta" served by a local file server.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{root: t.TempDir()}
	f.srv = serveFiles(t, map[string][]byte{
		"/alpha.gguf":      modelBytes(),
		"/beta.gguf":       modelBytes(),
		"/bad.gguf":        []byte("not a model"),
		"/tokenizer.model": tokenizertest.Model(),
	})
	f.backend = &enginetest.Backend{New: func(path string) *enginetest.Model {
		m := &enginetest.Model{Reply: "hi", Window: 256}
		f.models = append(f.models, m)
		return m
	}}
	catalog := []types.ModelDescriptor{
		{Name: "alpha", URL: f.srv.URL + "/alpha.gguf", Tokenizer: types.TokenizerEmbedded},
		{Name: "beta", URL: f.srv.URL + "/beta.gguf", Tokenizer: types.TokenizerEmbedded},
	}
	f.m = NewWithConfig(ManagerConfig{
		Registry: registry.New(f.root, catalog),
		Backend:  f.backend,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(f.m.Close)
	return f
}
