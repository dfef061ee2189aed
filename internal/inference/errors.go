package inference

import (
	"errors"
	"net/http"
)

// Kind classifies a failure. Each kind has a fixed client message and HTTP
// status.
type Kind int

const (
	KindUnknown Kind = iota
	NoTextProvided
	ModelNotLoaded
	ExtractionFailed
	GenerationFailed
	InvalidTokenizerOutput
	NoAttentionData
	NoAttentionLayers
	TokenProcessingFailed
	AttentionFailed
	Timeout
	TooBusy
)

var kindInfo = map[Kind]struct {
	name   string
	msg    string
	status int
}{
	KindUnknown:            {"unknown", "Internal error", http.StatusInternalServerError},
	NoTextProvided:         {"no_text_provided", "No text provided", http.StatusBadRequest},
	ModelNotLoaded:         {"model_not_loaded", "Model not loaded", http.StatusInternalServerError},
	ExtractionFailed:       {"extraction_failed", "Prediction failed", http.StatusInternalServerError},
	GenerationFailed:       {"generation_failed", "Text generation failed", http.StatusInternalServerError},
	InvalidTokenizerOutput: {"invalid_tokenizer_output", "Invalid tokenizer output", http.StatusInternalServerError},
	NoAttentionData:        {"no_attention_data", "No attention data available", http.StatusInternalServerError},
	NoAttentionLayers:      {"no_attention_layers", "No attention layers available", http.StatusInternalServerError},
	TokenProcessingFailed:  {"token_processing_failed", "Token processing failed", http.StatusInternalServerError},
	AttentionFailed:        {"attention_failed", "Attention computation failed", http.StatusInternalServerError},
	Timeout:                {"timeout", "Inference timed out", http.StatusGatewayTimeout},
	TooBusy:                {"too_busy", "Too many requests", http.StatusTooManyRequests},
}

func (k Kind) String() string { return kindInfo[k].name }

// Message is the text sent to clients.
func (k Kind) Message() string { return kindInfo[k].msg }

// Status is the HTTP status code for the kind.
func (k Kind) Status() int { return kindInfo[k].status }

// Error is a classified failure. The cause is for logs only.
type Error struct {
	Kind Kind
	// Reason further qualifies TooBusy rejections ("queue_full", "wait_timeout").
	Reason string
	cause  error
}

// NewError wraps cause with a kind.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Kind.Message() + ": " + e.cause.Error()
	}
	return e.Kind.Message()
}

func (e *Error) Unwrap() error { return e.cause }

// StatusCode satisfies the HTTP layer's status mapping.
func (e *Error) StatusCode() int { return e.Kind.Status() }

// ClientMessage is the message safe to return to callers.
func (e *Error) ClientMessage() string { return e.Kind.Message() }

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err has kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool { return IsKind(err, TooBusy) }
