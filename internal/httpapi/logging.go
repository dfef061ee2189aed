package httpapi

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("ATTND_LOG_LEVEL"))

// SetDefaultLogLevel sets the level used when a request carries no override.
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
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

// reqLog writes the start and end lines of one handled request.
type reqLog struct {
	lvl   LogLevel
	route string
	rid   string
	start time.Time
}

func newReqLog(r *http.Request, route string) *reqLog {
	return &reqLog{
		lvl:   requestLogLevel(r),
		route: route,
		rid:   middleware.GetReqID(r.Context()),
		start: time.Now(),
	}
}

func (l *reqLog) begin() {
	if l.lvl < LevelInfo {
		return
	}
	if zlog != nil {
		z := zlog.Info().Str("route", l.route)
		if l.rid != "" {
			z = z.Str("request_id", l.rid)
		}
		z.Msg("request start")
		return
	}
	log.Printf("request start route=%s request_id=%s", l.route, l.rid)
}

// end logs completion. Errors are logged at LevelError and above, successes
// at LevelInfo.
func (l *reqLog) end(status int, err error) {
	if (err == nil && l.lvl < LevelInfo) || l.lvl < LevelError {
		return
	}
	dur := time.Since(l.start)
	if zlog != nil {
		z := zlog.Info()
		if err != nil {
			z = zlog.Error().Err(err)
		}
		z = z.Str("route", l.route).Int("status", status).Dur("dur", dur)
		if l.rid != "" {
			z = z.Str("request_id", l.rid)
		}
		z.Msg("request end")
		return
	}
	if err != nil {
		log.Printf("request end route=%s status=%d dur=%s request_id=%s err=%v", l.route, status, dur, l.rid, err)
		return
	}
	log.Printf("request end route=%s status=%d dur=%s request_id=%s", l.route, status, dur, l.rid)
}

// debug logs a detail line when the request runs at LevelDebug.
func (l *reqLog) debug(msg string, fields map[string]any) {
	if l.lvl < LevelDebug {
		return
	}
	if zlog != nil {
		zlog.Debug().Str("route", l.route).Str("request_id", l.rid).Fields(fields).Msg(msg)
		return
	}
	log.Printf("%s route=%s request_id=%s %v", msg, l.route, l.rid, fields)
}
