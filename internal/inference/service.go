// Package inference implements the two core operations behind the HTTP API:
// next-word prediction via bounded greedy generation and per-layer
// head-averaged attention extraction. Every operation checks readiness,
// passes the admission gate and runs under the request timeout.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"attnd/internal/lm"
	"attnd/pkg/types"
)

// Continuation modes select how the generated suffix is recovered.
const (
	ContinuationCharOffset   = "char_offset"
	ContinuationTokenAligned = "token_aligned"
)

// Options configures a Service. Zero values take the defaults noted per field.
type Options struct {
	// MaxNewTokens bounds generation (default 5).
	MaxNewTokens int
	// NumReturnSequences is passed through to Generate (default 1).
	NumReturnSequences int
	// Continuation is char_offset (default) or token_aligned.
	Continuation string
	// RequestTimeout bounds each operation; 0 disables it.
	RequestTimeout time.Duration
	// MaxConcurrency is the number of operations allowed to use the model at once (default 1).
	MaxConcurrency int
	MaxQueueDepth  int
	// MaxWait bounds the wait for an inference slot; 0 waits until ctx is done.
	MaxWait time.Duration
	Logger  zerolog.Logger
}

// Service owns the tokenizer/model pair.
type Service struct {
	tok     lm.Tokenizer
	model   lm.Model
	opts    Options
	gate    *gate
	log     zerolog.Logger
	started time.Time
}

// New builds a Service. Either capability may be nil, in which case every
// operation fails with ModelNotLoaded.
func New(tok lm.Tokenizer, model lm.Model, opts Options) *Service {
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = 5
	}
	if opts.NumReturnSequences <= 0 {
		opts.NumReturnSequences = 1
	}
	if opts.Continuation == "" {
		opts.Continuation = ContinuationCharOffset
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.MaxQueueDepth < 0 {
		opts.MaxQueueDepth = 0
	}
	return &Service{
		tok:     tok,
		model:   model,
		opts:    opts,
		gate:    newGate(opts.MaxConcurrency, opts.MaxQueueDepth, opts.MaxWait),
		log:     opts.Logger,
		started: time.Now(),
	}
}

// Ready reports whether both the tokenizer and the model are loaded.
func (s *Service) Ready() bool {
	return s != nil && s.tok != nil && s.model != nil
}

// Status reports model metadata and admission counters.
func (s *Service) Status() types.StatusResponse {
	now := time.Now()
	st := types.StatusResponse{
		Ready:          s.Ready(),
		MaxNewTokens:   s.opts.MaxNewTokens,
		MaxConcurrency: s.opts.MaxConcurrency,
		MaxQueueDepth:  s.opts.MaxQueueDepth,
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	st.Inflight, st.Queued = s.gate.stats()
	if s.model != nil {
		info := s.model.Info()
		st.ModelID = info.ID
		st.Backend = info.Backend
		st.Layers = info.Layers
		st.Heads = info.Heads
		st.VocabSize = info.VocabSize
		st.MaxPositions = info.MaxPositions
		st.EOSTokenID = info.EOSTokenID
		st.PadTokenID = info.PadTokenID
	}
	return st
}

// PredictNext generates up to MaxNewTokens tokens after text and returns the
// first whitespace-delimited word of the continuation.
func (s *Service) PredictNext(ctx context.Context, text string) (resp types.PredictResponse, err error) {
	start := time.Now()
	defer func() {
		observeOutcome(opPredict, err)
		inferenceDuration.WithLabelValues(opPredict).Observe(time.Since(start).Seconds())
	}()

	err = s.run(ctx, opPredict, func(ctx context.Context) error {
		word, perr := s.predict(ctx, text)
		resp.PredictedNextWord = word
		return perr
	})
	if err != nil {
		return types.PredictResponse{}, err
	}
	return resp, nil
}

// Attention runs one forward pass over text and returns every available
// layer's attention averaged over heads, plus a label per input token.
func (s *Service) Attention(ctx context.Context, text string) (resp types.AttentionResponse, err error) {
	start := time.Now()
	defer func() {
		observeOutcome(opAttention, err)
		inferenceDuration.WithLabelValues(opAttention).Observe(time.Since(start).Seconds())
	}()

	err = s.run(ctx, opAttention, func(ctx context.Context) error {
		r, aerr := s.attention(ctx, text)
		resp = r
		return aerr
	})
	if err != nil {
		return types.AttentionResponse{}, err
	}
	return resp, nil
}

// run checks readiness, applies the timeout, waits for admission and maps
// context expiry onto Timeout. Caller cancellation is returned as ctx.Err().
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) error) error {
	if !s.Ready() {
		return NewError(ModelNotLoaded, nil)
	}
	parent := ctx
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	release, err := s.gate.acquire(ctx)
	if err != nil {
		var tb tooBusyError
		if errors.As(err, &tb) {
			backpressureTotal.WithLabelValues(tb.reason).Inc()
			s.log.Warn().Str("op", op).Str("reason", tb.reason).Msg("admission rejected")
			return &Error{Kind: TooBusy, Reason: tb.reason, cause: err}
		}
		return s.contextError(parent, ctx, err)
	}
	defer release()

	err = fn(ctx)
	if cerr := ctx.Err(); cerr != nil {
		// A late result is discarded once the deadline or caller is gone.
		if err == nil {
			err = cerr
		}
		return s.contextError(parent, ctx, err)
	}
	return err
}

func (s *Service) contextError(parent, ctx context.Context, cause error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(Timeout, cause)
	}
	return cause
}

// inputIDs tokenizes text. An empty sequence starts from BOS.
func (s *Service) inputIDs(ctx context.Context, text string) ([]int, error) {
	enc, err := lm.Encode(ctx, s.tok, text)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if enc.IDs == nil {
		return nil, errors.New("tokenizer returned no input ids")
	}
	if len(enc.IDs) > 0 {
		return enc.IDs, nil
	}
	bos, ok := s.tok.BOSTokenID()
	if !ok {
		return nil, errors.New("empty input and tokenizer has no bos token")
	}
	return []int{bos}, nil
}

func (s *Service) predict(ctx context.Context, text string) (string, error) {
	ids, err := s.inputIDs(ctx, text)
	if err != nil {
		return "", NewError(GenerationFailed, err)
	}
	inputTokens.WithLabelValues(opPredict).Observe(float64(len(ids)))

	pad := -1
	if id, ok := s.tok.PadTokenID(); ok {
		pad = id
	}
	seqs, err := s.model.Generate(ctx, ids, lm.GenerateOptions{
		MaxNewTokens:       s.opts.MaxNewTokens,
		NumReturnSequences: s.opts.NumReturnSequences,
		PadTokenID:         pad,
	})
	if err != nil {
		return "", NewError(GenerationFailed, err)
	}
	if len(seqs) == 0 {
		return "", NewError(GenerationFailed, errors.New("model returned no sequences"))
	}
	seq := seqs[0]

	var continuation string
	switch s.opts.Continuation {
	case ContinuationTokenAligned:
		if len(seq) < len(ids) {
			return "", NewError(GenerationFailed, fmt.Errorf("sequence of %d ids is shorter than input of %d", len(seq), len(ids)))
		}
		out, derr := lm.Decode(ctx, s.tok, seq[len(ids):], true)
		if derr != nil {
			return "", NewError(GenerationFailed, derr)
		}
		continuation = out
	default:
		out, derr := lm.Decode(ctx, s.tok, seq, true)
		if derr != nil {
			return "", NewError(GenerationFailed, derr)
		}
		continuation = dropRunes(out, len([]rune(text)))
	}

	word := firstWord(continuation)
	s.log.Debug().Int("tokens", len(ids)).Int("generated", len(seq)-len(ids)).Str("word", word).Msg("predict")
	return word, nil
}

// dropRunes removes the first n characters of s.
func dropRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[i:]
		}
		n--
	}
	return ""
}

// firstWord returns the first whitespace-delimited word of s, or "".
func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (s *Service) attention(ctx context.Context, text string) (types.AttentionResponse, error) {
	var resp types.AttentionResponse
	ids, err := s.inputIDs(ctx, text)
	if err != nil {
		return resp, NewError(InvalidTokenizerOutput, err)
	}
	inputTokens.WithLabelValues(opAttention).Observe(float64(len(ids)))

	out, err := s.model.Forward(ctx, ids, lm.ForwardOptions{OutputAttentions: true})
	if err != nil {
		return resp, NewError(AttentionFailed, err)
	}
	if out == nil || out.Attentions == nil {
		return resp, NewError(NoAttentionData, nil)
	}
	if len(out.Attentions) == 0 {
		return resp, NewError(NoAttentionLayers, nil)
	}

	layers := make([][][]float64, 0, len(out.Attentions))
	for i, a := range out.Attentions {
		if a == nil {
			continue
		}
		m, err := headMean(a, len(ids))
		if err != nil {
			return resp, NewError(AttentionFailed, fmt.Errorf("layer %d: %w", i, err))
		}
		layers = append(layers, m)
	}

	tokens := make([]string, len(ids))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return resp, err
		}
		label, err := lm.Decode(ctx, s.tok, []int{id}, false)
		if err != nil {
			return resp, NewError(TokenProcessingFailed, fmt.Errorf("token %d (id %d): %w", i, id, err))
		}
		tokens[i] = label
	}

	resp.Tokens = tokens
	resp.AttentionLayers = layers
	resp.NumLayers = len(layers)
	s.log.Debug().Int("tokens", len(ids)).Int("layers", resp.NumLayers).Msg("attention")
	return resp, nil
}

// headMean averages a [1,H,N,N] tensor over heads into an N x N matrix.
func headMean(a *lm.Attention, n int) ([][]float64, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if a.Batch != 1 {
		return nil, fmt.Errorf("batch size %d, want 1", a.Batch)
	}
	if a.Queries != n || a.Keys != n {
		return nil, fmt.Errorf("attention is %dx%d, want %dx%d", a.Queries, a.Keys, n, n)
	}
	inv := 1 / float64(a.Heads)
	m := make([][]float64, n)
	for q := 0; q < n; q++ {
		row := make([]float64, n)
		for h := 0; h < a.Heads; h++ {
			for k, v := range a.Row(0, h, q) {
				row[k] += float64(v)
			}
		}
		for k := range row {
			row[k] *= inv
		}
		m[q] = row
	}
	return m, nil
}
