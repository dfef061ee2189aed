package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attnd/internal/inference"
	"attnd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Ready() bool
	Status() types.StatusResponse
	PredictNext(ctx context.Context, text string) (types.PredictResponse, error)
	Attention(ctx context.Context, text string) (types.AttentionResponse, error)
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	r.Post("/predict/transformer", predictHandler(svc))
	r.Post("/attention/transformer", attentionHandler(svc))

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// predictHandler godoc
//
//	@Summary	Predict the next word
//	@Tags		transformer
//	@Accept		json
//	@Produce	json
//	@Param		body	body		types.TextRequest	true	"Input text"
//	@Success	200		{object}	types.PredictResponse
//	@Failure	400		{object}	types.ErrorResponse
//	@Failure	429		{object}	types.ErrorResponse
//	@Failure	500		{object}	types.ErrorResponse
//	@Failure	504		{object}	types.ErrorResponse
//	@Router		/predict/transformer [post]
func predictHandler(svc Service) http.HandlerFunc {
	return textHandler(svc, func(ctx context.Context, text string) (any, error) {
		return svc.PredictNext(ctx, text)
	})
}

// attentionHandler godoc
//
//	@Summary	Head-averaged attention per layer
//	@Tags		transformer
//	@Accept		json
//	@Produce	json
//	@Param		body	body		types.TextRequest	true	"Input text"
//	@Success	200		{object}	types.AttentionResponse
//	@Failure	400		{object}	types.ErrorResponse
//	@Failure	429		{object}	types.ErrorResponse
//	@Failure	500		{object}	types.ErrorResponse
//	@Failure	504		{object}	types.ErrorResponse
//	@Router		/attention/transformer [post]
func attentionHandler(svc Service) http.HandlerFunc {
	return textHandler(svc, func(ctx context.Context, text string) (any, error) {
		return svc.Attention(ctx, text)
	})
}

// textHandler runs the shared request flow: readiness, input extraction,
// the operation itself, and error mapping.
func textHandler(svc Service, op func(ctx context.Context, text string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl := newReqLog(r, r.URL.Path)
		rl.begin()

		if !svc.Ready() {
			fail(w, rl, inference.NewError(inference.ModelNotLoaded, nil))
			return
		}
		text, err := extractText(w, r)
		if err != nil {
			fail(w, rl, err)
			return
		}
		rl.debug("input", map[string]any{"chars": len([]rune(text))})

		// Join server base context with request context so shutdown cancels work too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		resp, err := op(ctx, text)
		if err != nil {
			// If context was canceled (client disconnect), just return.
			if canceled(r) {
				rl.end(499, err)
				return
			}
			fail(w, rl, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		rl.end(http.StatusOK, nil)
	}
}

func fail(w http.ResponseWriter, rl *reqLog, err error) {
	status, msg := errorStatus(err)
	writeJSONError(w, status, msg)
	rl.end(status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}
