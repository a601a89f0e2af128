package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger used by the HTTP layer.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

var defaultLogLevel = parseLevel(os.Getenv("CHATD_LOG_HTTP"))

// SetDefaultLogLevel overrides the level used when a request carries none.
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

// requestLogLevel honors ?log=<level> then X-Log-Level, else the default.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLog carries the per-request logging decision for one handler.
type requestLog struct {
	op    string
	lvl   LogLevel
	start time.Time
	log   zerolog.Logger
}

func startRequestLog(r *http.Request, op string) *requestLog {
	rl := &requestLog{op: op, lvl: requestLogLevel(r), start: time.Now()}
	ctx := zlog.With().Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ctx = ctx.Str("request_id", rid)
	}
	rl.log = ctx.Logger()
	if rl.lvl >= LevelInfo {
		rl.log.Info().Msg(op + " start")
	}
	return rl
}

func (rl *requestLog) end(status int, err error) {
	switch {
	case err != nil && rl.lvl >= LevelError:
		rl.log.Error().Int("status", status).Dur("dur", time.Since(rl.start)).Err(err).Msg(rl.op + " end")
	case err == nil && rl.lvl >= LevelInfo:
		rl.log.Info().Int("status", status).Dur("dur", time.Since(rl.start)).Msg(rl.op + " end")
	}
}

// lineLogger logs complete NDJSON lines written through it at debug level.
type lineLogger struct {
	log zerolog.Logger
	op  string
	buf []byte
}

func (lw *lineLogger) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			lw.log.Debug().Str("line", string(lw.buf[:idx])).Msg(lw.op + ">")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}
