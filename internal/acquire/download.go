package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog"

	"chatd/internal/common/fsutil"
)

// ErrLengthMismatch is returned when the body size differs from Content-Length.
var ErrLengthMismatch = errors.New("incomplete download")

// Downloader fetches URLs into files, publishing them atomically.
type Downloader struct {
	client *http.Client
	log    zerolog.Logger
}

// NewDownloader builds a Downloader. Timeouts are carried by request
// contexts; connectTimeout bounds only the dial.
func NewDownloader(connectTimeout time.Duration, log zerolog.Logger) *Downloader {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return &Downloader{client: &http.Client{Transport: tr}, log: log}
}

// countingWriter reports cumulative bytes written.
type countingWriter struct {
	n      int64
	onBody func(n int64)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	downloadBytes.Add(float64(len(p)))
	if w.onBody != nil {
		w.onBody(w.n)
	}
	return len(p), nil
}

// Fetch downloads url to dest. Bytes go to a unique ".download" sibling of
// dest which is renamed over dest only after the byte count matches the
// advertised Content-Length (when one is sent). On any failure the temp
// file is removed and dest is left untouched. onProgress receives the byte
// count so far and the advertised total (0 when unknown).
func (d *Downloader) Fetch(ctx context.Context, url, dest string, onProgress func(done, total int64)) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("download %s: http %s", filepath.Base(dest), resp.Status)
	}
	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".*"+fsutil.DownloadSuffix)
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	published := false
	defer func() {
		if !published {
			_ = tmp.Close()
			if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				d.log.Warn().Err(rmErr).Str("path", tmpPath).Msg("remove partial download")
			}
		}
	}()

	d.log.Info().Str("url", url).Str("dest", dest).Str("size", units.HumanSize(float64(total))).Msg("download start")
	cw := &countingWriter{onBody: func(n int64) {
		if onProgress != nil {
			onProgress(n, total)
		}
	}}
	n, err := io.Copy(io.MultiWriter(tmp, cw), resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("download %s: %w", filepath.Base(dest), err)
	}
	if total > 0 && n != total {
		return n, fmt.Errorf("%w: expected %d bytes but got %d bytes", ErrLengthMismatch, total, n)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return n, fmt.Errorf("publish: %w", err)
	}
	published = true
	d.log.Info().Str("dest", dest).Str("size", units.HumanSize(float64(n))).Msg("download complete")
	return n, nil
}
