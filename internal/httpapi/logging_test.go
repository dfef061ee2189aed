package httpapi

import (
	"bytes"
	"errors"
	"log"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"DEBUG": LevelDebug,
		"weird": LevelInfo, // default
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	defer SetDefaultLogLevel("")
	SetDefaultLogLevel("error")

	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x?log=1", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("?log=1 override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "off")
	if got := requestLogLevel(r); got != LevelOff {
		t.Fatalf("header override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("default level not used: %v", got)
	}
}

func TestReqLog_FallsBackToStdLog(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	defer log.SetOutput(orig)
	log.SetOutput(&buf)

	rl := &reqLog{lvl: LevelInfo, route: "/predict/transformer", rid: "abc"}
	rl.begin()
	rl.end(500, errors.New("boom"))

	out := buf.String()
	if !strings.Contains(out, "request start route=/predict/transformer") {
		t.Fatalf("missing start line: %q", out)
	}
	if !strings.Contains(out, "status=500") || !strings.Contains(out, "err=boom") {
		t.Fatalf("missing end line: %q", out)
	}
}

func TestReqLog_ErrorLevelSkipsSuccess(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer func() { zlog = nil }()

	rl := &reqLog{lvl: LevelError, route: "/r"}
	rl.begin()
	rl.end(200, nil)
	if buf.Len() != 0 {
		t.Fatalf("expected nothing logged, got %q", buf.String())
	}
	rl.end(429, errors.New("busy"))
	if !strings.Contains(buf.String(), `"status":429`) {
		t.Fatalf("error not logged: %q", buf.String())
	}
}
