package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"chatd/internal/engine/enginetest"
	"chatd/internal/httpapi"
	"chatd/internal/manager"
	"chatd/internal/registry"
	"chatd/pkg/types"
)

// stack is the full in-process service: artifact server, manager over the
// deterministic backend, and the HTTP API in front of it.
type stack struct {
	api     *httptest.Server
	files   *httptest.Server
	mgr     *manager.Manager
	root    string
	backend *enginetest.Backend
}

func newStack(t *testing.T, cfg manager.ManagerConfig) *stack {
	t.Helper()
	s := &stack{root: t.TempDir()}
	gguf := []byte(enginetest.Magic + strings.Repeat("w", 4096))
	s.files = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/alpha.gguf", "/beta.gguf":
			_, _ = w.Write(gguf)
		case "/corrupt.gguf":
			_, _ = w.Write([]byte("not a model at all"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.files.Close)
	s.backend = &enginetest.Backend{New: func(string) *enginetest.Model {
		return &enginetest.Model{Reply: "Hello there", Window: 512}
	}}
	catalog := []types.ModelDescriptor{
		{Name: "alpha", URL: s.files.URL + "/alpha.gguf", Family: "llama"},
		{Name: "beta", URL: s.files.URL + "/beta.gguf"},
		{Name: "corrupt", URL: s.files.URL + "/corrupt.gguf"},
	}
	cfg.Registry = registry.New(s.root, catalog)
	cfg.Backend = s.backend
	cfg.Logger = zerolog.Nop()
	s.mgr = manager.NewWithConfig(cfg)
	t.Cleanup(s.mgr.Close)
	s.api = httptest.NewServer(httpapi.NewMux(s.mgr))
	t.Cleanup(s.api.Close)
	return s
}

func httpDo(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}
