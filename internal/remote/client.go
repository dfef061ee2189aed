// Package remote talks to a model sidecar over HTTP. The sidecar owns the
// tokenizer and model; this package exposes them as lm.Tokenizer and lm.Model.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BackendName is reported in lm.ModelInfo.
const BackendName = "remote"

const maxErrorBody = 4096

type Options struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// RequestTimeout bounds calls that carry no deadline of their own
	// (tokenize and decode).
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// StatusError is returned for non-2xx sidecar responses.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sidecar %s: http %d: %s", e.Path, e.Status, e.Body)
}

// Client is a connection to one sidecar.
type Client struct {
	baseURL    string
	token      string
	reqTimeout time.Duration
	httpClient *http.Client
	log        zerolog.Logger
	info       info
}

type info struct {
	ModelID      string `json:"model_id"`
	NumLayers    int    `json:"num_layers"`
	NumHeads     int    `json:"num_heads"`
	VocabSize    int    `json:"vocab_size"`
	MaxPositions int    `json:"max_positions"`
	BOSTokenID   *int   `json:"bos_token_id"`
	EOSTokenID   *int   `json:"eos_token_id"`
	PadTokenID   *int   `json:"pad_token_id"`
}

// Dial creates a client and fetches the sidecar's model info.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		reqTimeout: opts.RequestTimeout,
		// Deadlines come from request contexts.
		httpClient: &http.Client{Transport: tr, Timeout: 0},
		log:        opts.Logger,
	}
	if err := c.do(ctx, http.MethodGet, "/info", nil, &c.info); err != nil {
		return nil, fmt.Errorf("remote: fetch info: %w", err)
	}
	if c.info.NumLayers <= 0 || c.info.NumHeads <= 0 {
		return nil, fmt.Errorf("remote: sidecar reported %d layers and %d heads", c.info.NumLayers, c.info.NumHeads)
	}
	c.log.Info().Str("url", c.baseURL).Str("model", c.info.ModelID).
		Int("layers", c.info.NumLayers).Int("heads", c.info.NumHeads).Msg("sidecar connected")
	return c, nil
}

// Tokenizer returns the sidecar tokenizer.
func (c *Client) Tokenizer() *Tokenizer {
	return newTokenizer(c)
}

// Model returns the sidecar model.
func (c *Client) Model() *Model {
	return newModel(c)
}

// withDefaultTimeout applies RequestTimeout when ctx has no deadline.
func (c *Client) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.reqTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.reqTimeout)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	reqID := middleware.GetReqID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	req.Header.Set(middleware.RequestIDHeader, reqID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	c.log.Debug().Str("req_id", reqID).Str("path", path).Int("status", resp.StatusCode).
		Dur("dur", time.Since(start)).Msg("sidecar call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
