package llamaserver

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPickFreePortReturnsPositivePort(t *testing.T) {
	p, err := pickFreePort("127.0.0.1")
	if err != nil || p <= 0 {
		t.Fatalf("pickFreePort error=%v port=%d", err, p)
	}
}

func TestPickPortInRangeSkipsBusy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port
	if _, err := pickPortInRange("127.0.0.1", busy, busy); err == nil {
		t.Fatalf("expected no free port when the only candidate is bound")
	}
}

func TestHealthy(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ok.Close()
	b := New(Config{})
	if !b.healthy(context.Background(), ok.URL) {
		t.Fatalf("expected healthy for %s", ok.URL)
	}
	if b.healthy(context.Background(), "http://127.0.0.1:1") {
		t.Fatalf("expected unhealthy for unreachable host")
	}
}

func TestTailWriterKeepsLastBytes(t *testing.T) {
	w := &tailWriter{max: 8}
	_, _ = w.Write([]byte("0123456789"))
	_, _ = w.Write([]byte("ab"))
	if got := w.String(); got != "456789ab" {
		t.Fatalf("tail=%q", got)
	}
}

func TestDiscoverBinReturnsFileOrEmpty(t *testing.T) {
	got := DiscoverBin()
	if got != "" && !strings.Contains(got, "llama-server") {
		t.Fatalf("unexpected discovery result %q", got)
	}
}
