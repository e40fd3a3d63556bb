package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/luisdh8/ollama-ecomerce/internal/client"
	"github.com/luisdh8/ollama-ecomerce/internal/config"
	"github.com/luisdh8/ollama-ecomerce/internal/logging"
	"github.com/luisdh8/ollama-ecomerce/internal/ollama"
	"github.com/luisdh8/ollama-ecomerce/internal/profile"
	"github.com/luisdh8/ollama-ecomerce/internal/router"
	"github.com/luisdh8/ollama-ecomerce/internal/tokenizer"
	"github.com/luisdh8/ollama-ecomerce/internal/tokens"
)

// app holds the components built once per command invocation.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	backend   *ollama.Backend
	catalog   *profile.Catalog
	estimator *tokens.Estimator
	router    *router.Router
	client    *client.Client
}

func (o *globalOptions) build() (*app, error) {
	cfg, err := config.Resolve(o.configPath, o.envFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	backend, err := ollama.New(cfg.Backend.BaseURL, ollama.NewHTTPClient(), logger)
	if err != nil {
		return nil, err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}

	var tok tokens.Tokenizer
	if cfg.Tokenizer.Enabled {
		tok = tokenizer.New(cfg.Tokenizer.DefaultEncoding, cfg.Tokenizer.Models)
	}
	estimator := tokens.NewEstimator(backend, tok,
		tokens.WithProbeTimeout(cfg.Backend.ProbeTimeout),
		tokens.WithLogger(logger),
	)

	llm, err := client.New(backend, cfg.Backend.DefaultModel,
		client.WithTimeout(cfg.Backend.Timeout),
		client.WithCatalog(catalog),
		client.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		backend:   backend,
		catalog:   catalog,
		estimator: estimator,
		router:    router.New(catalog, estimator, logger),
		client:    llm,
	}, nil
}

// readText returns the inline value, or the contents of path when set.
func readText(inline, path, name string) (string, error) {
	if path == "" {
		return inline, nil
	}
	if inline != "" {
		return "", fmt.Errorf("use either --%s or --%s-file, not both", name, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s file: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}
