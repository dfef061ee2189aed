package config

import (
	"fmt"
	"strings"
	"time"
)

// Backends and tokenizers understood by the service.
const (
	BackendNative = "native"
	BackendRemote = "remote"

	TokenizerBPE      = "bpe"
	TokenizerTikToken = "tiktoken"

	// ContinuationCharOffset drops the input's character count from the
	// decoded generation. ContinuationTokenAligned decodes only new tokens.
	ContinuationCharOffset   = "char_offset"
	ContinuationTokenAligned = "token_aligned"
)

// Duration is a time.Duration that reads and writes strings like "30s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds runtime parameters for the service.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	Model    string `json:"model" yaml:"model" toml:"model"`
	ModelDir string `json:"model_dir" yaml:"model_dir" toml:"model_dir"`
	CacheDir string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	HFToken  string `json:"hf_token" yaml:"hf_token" toml:"hf_token"`

	Backend   string `json:"backend" yaml:"backend" toml:"backend"`
	Tokenizer string `json:"tokenizer" yaml:"tokenizer" toml:"tokenizer"`
	RemoteURL string `json:"remote_url" yaml:"remote_url" toml:"remote_url"`

	MaxNewTokens       int    `json:"max_new_tokens" yaml:"max_new_tokens" toml:"max_new_tokens"`
	NumReturnSequences int    `json:"num_return_sequences" yaml:"num_return_sequences" toml:"num_return_sequences"`
	Continuation       string `json:"continuation" yaml:"continuation" toml:"continuation"`

	Debug     bool   `json:"debug" yaml:"debug" toml:"debug"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	MaxConcurrency int      `json:"max_concurrency" yaml:"max_concurrency" toml:"max_concurrency"`
	MaxQueueDepth  int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWait        Duration `json:"max_wait" yaml:"max_wait" toml:"max_wait"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:               ":5000",
		Model:              "gpt2",
		CacheDir:           "~/.cache/attnd",
		Backend:            BackendNative,
		Tokenizer:          TokenizerBPE,
		MaxNewTokens:       5,
		NumReturnSequences: 1,
		Continuation:       ContinuationCharOffset,
		Debug:              true,
		LogLevel:           "info",
		LogFormat:          "console",
		MaxBodyBytes:       1 << 20,
		RequestTimeout:     Duration(60 * time.Second),
		MaxConcurrency:     1,
		MaxQueueDepth:      32,
		MaxWait:            Duration(30 * time.Second),
		CORSEnabled:        true,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization"},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	switch c.Backend {
	case BackendNative:
		if c.Model == "" && c.ModelDir == "" {
			return fmt.Errorf("model or model_dir is required")
		}
	case BackendRemote:
		if c.RemoteURL == "" {
			return fmt.Errorf("remote_url is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Tokenizer != TokenizerBPE && c.Tokenizer != TokenizerTikToken {
		return fmt.Errorf("unknown tokenizer %q", c.Tokenizer)
	}
	if c.Continuation != ContinuationCharOffset && c.Continuation != ContinuationTokenAligned {
		return fmt.Errorf("unknown continuation %q", c.Continuation)
	}
	if c.MaxNewTokens <= 0 {
		return fmt.Errorf("max_new_tokens must be positive, got %d", c.MaxNewTokens)
	}
	if c.NumReturnSequences != 1 {
		return fmt.Errorf("num_return_sequences must be 1, got %d", c.NumReturnSequences)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if c.RequestTimeout < 0 || c.MaxWait < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("max_queue_depth must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
