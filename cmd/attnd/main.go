package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"attnd/internal/backend"
	"attnd/internal/config"
	"attnd/internal/httpapi"
	"attnd/internal/inference"
	"attnd/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "attnd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "attnd",
		Short:         "Next-word prediction and attention inspection over a causal language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Config file (.yaml, .yml, .json or .toml)")
	pf.String("model", "", "Hugging Face model id or local directory (default gpt2)")
	pf.String("model-dir", "", "Local model directory; skips downloading")
	pf.String("backend", "", "Inference backend: native|remote")
	pf.String("remote-url", "", "Sidecar base URL for the remote backend")
	pf.String("tokenizer", "", "Tokenizer for the native backend: bpe|tiktoken")
	pf.Int("max-new-tokens", 0, "Tokens generated per prediction (default 5)")
	pf.Bool("debug", false, "Force debug logging")

	serve := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the HTTP API",
		Example: "  attnd serve --model gpt2 --addr :5000",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, os.Getenv)
			if err != nil {
				return err
			}
			return serveHTTP(cmd.Context(), cfg)
		},
	}
	serve.Flags().String("addr", "", "HTTP listen address (default :5000)")
	serve.Flags().String("cors-origins", "", "Comma-separated allowed CORS origins")

	predict := &cobra.Command{
		Use:     "predict <text>",
		Short:   "Predict the next word of text and print JSON",
		Example: `  attnd predict "The quick brown fox"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, func(ctx context.Context, svc *inference.Service) (any, error) {
				return svc.PredictNext(ctx, args[0])
			})
		},
	}

	attention := &cobra.Command{
		Use:     "attention <text>",
		Short:   "Print head-averaged attention for text as JSON",
		Example: `  attnd attention "Hello world"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, func(ctx context.Context, svc *inference.Service) (any, error) {
				return svc.Attention(ctx, args[0])
			})
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "attnd", version)
		},
	}

	root.AddCommand(serve, predict, attention, versionCmd)
	return root
}

// resolveConfig layers defaults, the config file, the environment and
// explicitly set flags, in that order.
func resolveConfig(cmd *cobra.Command, getenv func(string) string) (config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}

	str := map[string]*string{
		"model":      &cfg.Model,
		"model-dir":  &cfg.ModelDir,
		"backend":    &cfg.Backend,
		"remote-url": &cfg.RemoteURL,
		"tokenizer":  &cfg.Tokenizer,
		"addr":       &cfg.Addr,
	}
	for name, dst := range str {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if flags.Changed("max-new-tokens") {
		cfg.MaxNewTokens, _ = flags.GetInt("max-new-tokens")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	if flags.Lookup("cors-origins") != nil && flags.Changed("cors-origins") {
		v, _ := flags.GetString("cors-origins")
		cfg.CORSAllowedOrigins = splitCSV(v)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// start opens the backend and builds the inference service.
func start(ctx context.Context, cfg config.Config) (*inference.Service, zerolog.Logger, error) {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.Debug)
	tok, model, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return nil, logger, fmt.Errorf("open backend: %w", err)
	}
	svc := inference.New(tok, model, inference.Options{
		MaxNewTokens:       cfg.MaxNewTokens,
		NumReturnSequences: cfg.NumReturnSequences,
		Continuation:       cfg.Continuation,
		RequestTimeout:     cfg.RequestTimeout.Std(),
		MaxConcurrency:     cfg.MaxConcurrency,
		MaxQueueDepth:      cfg.MaxQueueDepth,
		MaxWait:            cfg.MaxWait.Std(),
		Logger:             logger,
	})
	return svc, logger, nil
}

func runOnce(cmd *cobra.Command, op func(context.Context, *inference.Service) (any, error)) error {
	cfg, err := resolveConfig(cmd, os.Getenv)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, _, err := start(ctx, cfg)
	if err != nil {
		return err
	}
	out, err := op(ctx, svc)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

func serveHTTP(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A backend that fails to load is fatal: the process never serves.
	svc, logger, err := start(ctx, cfg)
	if err != nil {
		return err
	}

	httpapi.SetLogger(logger)
	httpapi.SetDefaultLogLevel(cfg.LogLevel)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("model", svc.Status().ModelID).Msg("attnd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown (Ctrl+C / SIGTERM)
	logger.Info().Msg("shutting down")
	cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// splitCSV splits a comma-separated list, trimming blanks and dropping empties.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
