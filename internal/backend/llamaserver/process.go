package llamaserver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"chatd/internal/events"
)

// process is one spawned llama-server serving a single model file.
type process struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	model   string
	// exited is closed once the process has been reaped.
	exited  chan struct{}
	waitErr error
	stopOne sync.Once
}

// tailWriter keeps the last max bytes written.
type tailWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if over := w.buf.Len() - w.max; over > 0 {
		w.buf.Next(over)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// spawn starts llama-server for modelPath and waits until it answers
// /v1/models, exits, the startup timeout passes or ctx is done.
func (b *Backend) spawn(ctx context.Context, modelPath string, ctxSize int) (*process, error) {
	host := b.cfg.Host
	var (
		port int
		err  error
	)
	if b.cfg.PortStart > 0 && b.cfg.PortEnd >= b.cfg.PortStart {
		port, err = pickPortInRange(host, b.cfg.PortStart, b.cfg.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	args := []string{"-m", modelPath, "--host", host, "--port", strconv.Itoa(port)}
	if ctxSize > 0 {
		args = append(args, "-c", strconv.Itoa(ctxSize))
	}
	if b.cfg.Slots > 0 {
		args = append(args, "-np", strconv.Itoa(b.cfg.Slots))
	}
	if b.cfg.NGL > 0 {
		args = append(args, "-ngl", strconv.Itoa(b.cfg.NGL))
	}
	if b.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.cfg.Threads))
	}
	args = append(args, b.cfg.ExtraArgs...)

	cmd := exec.Command(b.cfg.Bin, args...)
	cmd.Dir = filepath.Dir(modelPath)
	stderr := &tailWriter{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	p := &process{cmd: cmd, baseURL: baseURL, pid: cmd.Process.Pid, model: modelPath, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	b.log.Info().Str("model", modelPath).Int("pid", p.pid).Str("url", baseURL).Msg("event=spawn_start")
	b.pub.Publish(events.Event{Name: "spawn_start", Model: modelPath, Fields: map[string]any{"pid": p.pid, "host": host, "port": port}})

	deadline := time.NewTimer(b.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if b.healthy(ctx, baseURL) {
			b.log.Info().Str("model", modelPath).Int("pid", p.pid).Msg("event=spawn_ready")
			b.pub.Publish(events.Event{Name: "spawn_ready", Model: modelPath, Fields: map[string]any{"pid": p.pid, "url": baseURL}})
			return p, nil
		}
		select {
		case <-p.exited:
			tail := strings.TrimSpace(stderr.String())
			b.log.Warn().Str("model", modelPath).Int("pid", p.pid).AnErr("wait", p.waitErr).Msg("event=spawn_exit")
			b.pub.Publish(events.Event{Name: "spawn_exit", Model: modelPath, Fields: map[string]any{"pid": p.pid, "before_ready": true}})
			if p.waitErr != nil {
				return nil, fmt.Errorf("llama-server exited early: %v; stderr tail: %s", p.waitErr, tail)
			}
			return nil, fmt.Errorf("llama-server exited before ready; stderr tail: %s", tail)
		case <-deadline.C:
			p.stop(b.cfg.StopGrace)
			b.log.Warn().Str("model", modelPath).Int("pid", p.pid).Msg("event=spawn_timeout")
			b.pub.Publish(events.Event{Name: "spawn_timeout", Model: modelPath, Fields: map[string]any{"pid": p.pid}})
			return nil, fmt.Errorf("llama-server not ready in %s: %s", b.cfg.StartupTimeout, baseURL)
		case <-ctx.Done():
			p.stop(b.cfg.StopGrace)
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

// healthy checks whether the server at baseURL answers /v1/models.
func (b *Backend) healthy(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// stop sends SIGTERM and kills the process if it has not exited after grace.
func (p *process) stop(grace time.Duration) {
	p.stopOne.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(grace):
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	})
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// DiscoverBin looks for a llama-server binary in common install locations
// and then on PATH. It returns "" when none is found.
func DiscoverBin() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, "apps", "llama.cpp", "build", "bin", "llama-server"),
		filepath.Join(home, "llama.cpp", "build", "bin", "llama-server"),
		"/usr/local/bin/llama-server",
		"/opt/homebrew/bin/llama-server",
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if lp, err := exec.LookPath("llama-server"); err == nil {
		return lp
	}
	return ""
}
