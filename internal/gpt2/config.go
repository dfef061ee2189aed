package gpt2

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// Config mirrors the fields of a Hugging Face GPT-2 config.json that the
// runtime needs.
type Config struct {
	ModelType          string  `json:"model_type"`
	NLayer             int     `json:"n_layer"`
	NHead              int     `json:"n_head"`
	NEmbd              int     `json:"n_embd"`
	NPositions         int     `json:"n_positions"`
	NCtx               int     `json:"n_ctx"`
	NInner             *int    `json:"n_inner"`
	VocabSize          int     `json:"vocab_size"`
	LayerNormEpsilon   float64 `json:"layer_norm_epsilon"`
	ActivationFunction string  `json:"activation_function"`
	BOSTokenID         *int    `json:"bos_token_id"`
	EOSTokenID         *int    `json:"eos_token_id"`
	PadTokenID         *int    `json:"pad_token_id"`
}

// LoadConfig reads and validates config.json.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NPositions == 0 {
		c.NPositions = c.NCtx
	}
	if c.LayerNormEpsilon == 0 {
		c.LayerNormEpsilon = 1e-5
	}
	if c.ActivationFunction == "" {
		c.ActivationFunction = "gelu_new"
	}
}

// Inner is the MLP hidden width.
func (c Config) Inner() int {
	if c.NInner != nil && *c.NInner > 0 {
		return *c.NInner
	}
	return 4 * c.NEmbd
}

func (c Config) Validate() error {
	if c.ModelType != "" && c.ModelType != "gpt2" {
		return fmt.Errorf("unsupported model_type %q", c.ModelType)
	}
	if c.NLayer <= 0 || c.NHead <= 0 || c.NEmbd <= 0 || c.NPositions <= 0 || c.VocabSize <= 0 {
		return fmt.Errorf("config: n_layer, n_head, n_embd, n_positions and vocab_size must be positive")
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("config: n_embd %d not divisible by n_head %d", c.NEmbd, c.NHead)
	}
	switch c.ActivationFunction {
	case "gelu_new", "gelu", "gelu_pytorch_tanh":
	default:
		return fmt.Errorf("config: unsupported activation %q", c.ActivationFunction)
	}
	return nil
}
