package types

// TextRequest is the body of both inference endpoints.
type TextRequest struct {
	// Input text.
	// example: The quick brown fox
	Text string `json:"text" example:"The quick brown fox"`
}

// PredictResponse is returned by POST /predict/transformer.
type PredictResponse struct {
	// First whitespace-delimited word of the generated continuation; may be empty.
	// example: jumps
	PredictedNextWord string `json:"predicted_next_word" example:"jumps"`
}

// AttentionResponse is returned by POST /attention/transformer.
type AttentionResponse struct {
	// Decoded label of each input token, in order.
	// example: ["Hello"," world"]
	Tokens []string `json:"tokens" example:"Hello, world"`
	// One N x N head-averaged attention matrix per available layer.
	AttentionLayers [][][]float64 `json:"attention_layers"`
	// Number of matrices in attention_layers.
	// example: 12
	NumLayers int `json:"num_layers" example:"12"`
}

// ErrorResponse is the error payload of every JSON endpoint.
type ErrorResponse struct {
	// Error message.
	// example: No text provided
	Error string `json:"error" example:"No text provided"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Whether the tokenizer and model are loaded.
	// example: true
	Ready bool `json:"ready" example:"true"`
	// Model identifier.
	// example: gpt2
	ModelID string `json:"model_id,omitempty" example:"gpt2"`
	// Backend serving the model (native or remote).
	// example: native
	Backend string `json:"backend,omitempty" example:"native"`
	// example: 12
	Layers int `json:"layers" example:"12"`
	// example: 12
	Heads int `json:"heads" example:"12"`
	// example: 50257
	VocabSize int `json:"vocab_size" example:"50257"`
	// example: 1024
	MaxPositions int `json:"max_positions" example:"1024"`
	// example: 50256
	EOSTokenID int `json:"eos_token_id" example:"50256"`
	// example: 50256
	PadTokenID int `json:"pad_token_id" example:"50256"`
	// Tokens generated per prediction.
	// example: 5
	MaxNewTokens int `json:"max_new_tokens" example:"5"`
	// Requests currently running inference.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Requests admitted and waiting for an inference slot.
	// example: 0
	Queued int `json:"queued" example:"0"`
	// example: 1
	MaxConcurrency int `json:"max_concurrency" example:"1"`
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
