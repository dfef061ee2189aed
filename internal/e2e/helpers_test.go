package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"attnd/internal/backend"
	"attnd/internal/config"
	"attnd/internal/gpt2/gpt2test"
	"attnd/internal/httpapi"
	"attnd/internal/inference"
)

// newServer opens the native backend over a tiny checkpoint and serves the
// full HTTP stack.
func newServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.ModelDir = gpt2test.WriteDir(t, gpt2test.Options{Layers: 3, Heads: 4, Seed: 11})
	cfg.Debug = false
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	tok, model, err := backend.Open(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	svc := inference.New(tok, model, inference.Options{
		MaxNewTokens:       cfg.MaxNewTokens,
		NumReturnSequences: cfg.NumReturnSequences,
		Continuation:       cfg.Continuation,
		RequestTimeout:     cfg.RequestTimeout.Std(),
		MaxConcurrency:     cfg.MaxConcurrency,
		MaxQueueDepth:      cfg.MaxQueueDepth,
		MaxWait:            cfg.MaxWait.Std(),
	})
	return newServerFor(t, svc)
}

func newServerFor(t *testing.T, svc httpapi.Service) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(srv.Close)
	return srv
}

// postJSON posts body and decodes the response into out. It returns the status.
func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
	}
	return resp.StatusCode
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}
