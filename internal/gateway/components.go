// ABOUTME: Builds the gateway's collaborators from configuration
// ABOUTME: Wires store, transport, loader, sessions, model client, meter and the conversation service

package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/2389/ant-gateway/internal/auth"
	"github.com/2389/ant-gateway/internal/config"
	"github.com/2389/ant-gateway/internal/conversation"
	"github.com/2389/ant-gateway/internal/descriptor"
	"github.com/2389/ant-gateway/internal/hostpolicy"
	"github.com/2389/ant-gateway/internal/l402"
	"github.com/2389/ant-gateway/internal/llm"
	"github.com/2389/ant-gateway/internal/loader"
	"github.com/2389/ant-gateway/internal/metering"
	"github.com/2389/ant-gateway/internal/session"
	"github.com/2389/ant-gateway/internal/store"
	"github.com/2389/ant-gateway/internal/synth"
)

// Components are the collaborators a Gateway serves. Store and Verifier are optional.
type Components struct {
	Store    store.Store
	Service  *conversation.Service
	Balance  BalanceReader
	Verifier auth.TokenVerifier
}

// OpenStore opens the SQLite database. ANT_DB_PATH overrides database.path.
func OpenStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ANT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// NewResolver builds the descriptor resolver from configuration.
func NewResolver(cfg *config.Config, logger *slog.Logger) (*descriptor.Resolver, error) {
	hosts, err := hostpolicy.New(cfg.Resolver.AllowedHosts)
	if err != nil {
		return nil, fmt.Errorf("resolver.allowed_hosts: %w", err)
	}
	if patterns := hosts.Patterns(); len(patterns) > 0 {
		logger.Debug("descriptor hosts restricted", "allowed_hosts", patterns)
	}
	return descriptor.NewResolver(descriptor.Options{
		Timeout:           cfg.Resolver.Timeout,
		MaxBodyBytes:      cfg.Resolver.MaxBodyBytes,
		AllowedHosts:      hosts,
		VersionConstraint: cfg.Resolver.VersionConstraint,
	}, logger)
}

// NewMeter builds the wallet meter with a process-wide cached rate source.
func NewMeter(cfg *config.Config, logger *slog.Logger) *metering.Meter {
	ledger := &metering.AlbyLedger{
		URL:      cfg.Ledger.URL,
		Token:    cfg.Ledger.Token,
		Currency: cfg.Ledger.Currency,
	}
	rates := metering.NewCachedRate(&metering.CoinbaseRate{
		URL:        cfg.Rates.URL,
		HTTPClient: &http.Client{Timeout: cfg.Rates.Timeout},
	})
	return metering.NewMeter(ledger, rates, metering.Options{
		Timeout: cfg.Ledger.Timeout,
		Pair:    cfg.Rates.Pair,
	}, logger)
}

// NewTransport builds the L402 invocation transport shared by every capability.
func NewTransport(cfg *config.Config, creds l402.CredentialStore, logger *slog.Logger) (*l402.Client, error) {
	hosts, err := hostpolicy.New(cfg.L402.AllowedHosts)
	if err != nil {
		return nil, fmt.Errorf("l402.allowed_hosts: %w", err)
	}

	var payer l402.Payer
	if cfg.L402.PayerToken != "" {
		payer = &l402.AlbyPayer{BaseURL: cfg.L402.PayerURL, Token: cfg.L402.PayerToken}
	} else {
		logger.Warn("l402.payer_token not set - paid endpoints will fail with payment required")
	}

	return l402.NewClient(l402.Options{
		Payer:        payer,
		Credentials:  creds,
		AllowedHosts: hosts,
		PayTimeout:   cfg.L402.PayTimeout,
	}, logger), nil
}

// build wires every component from configuration.
func build(cfg *config.Config, logger *slog.Logger) (Components, error) {
	db, err := OpenStore(cfg)
	if err != nil {
		return Components{}, err
	}
	c, err := buildWithStore(cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return Components{}, err
	}
	return c, nil
}

func buildWithStore(cfg *config.Config, db *store.SQLiteStore, logger *slog.Logger) (Components, error) {
	resolver, err := NewResolver(cfg, logger)
	if err != nil {
		return Components{}, err
	}

	transport, err := NewTransport(cfg, db, logger)
	if err != nil {
		return Components{}, err
	}

	engine, err := loader.NewEngine(transport, loader.Options{
		ArtifactDir:    cfg.Loader.ArtifactDir,
		AllowedImports: cfg.Loader.AllowedImports,
		CallTimeout:    cfg.Loader.CallTimeout,
	}, logger)
	if err != nil {
		return Components{}, fmt.Errorf("creating loader: %w", err)
	}

	model, err := llm.New(llm.Options{
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		MaxSteps: cfg.LLM.MaxSteps,
		Timeout:  cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return Components{}, fmt.Errorf("creating model client: %w", err)
	}

	logger.Info("capability loader ready",
		"artifact_dir", cfg.Loader.ArtifactDir,
		"allowed_imports", engine.AllowedImports(),
		"model", model.Model(),
	)

	sessions := session.New(cfg.Sessions.Capacity, engine.Release, logger)
	meter := NewMeter(cfg, logger)

	svc, err := conversation.New(conversation.Deps{
		Sessions:    sessions,
		Resolver:    resolver,
		Synthesizer: synth.New(model.Generator(cfg.Synthesizer.Model), cfg.Synthesizer.Timeout, logger),
		Loader:      engine,
		ToolLoop:    model,
		Meter:       meter,
		Store:       db,
		Events:      conversation.NewEventBroadcaster(logger),
		Instruction: cfg.LLM.Instruction,
	}, logger)
	if err != nil {
		return Components{}, fmt.Errorf("creating conversation service: %w", err)
	}

	c := Components{
		Store:   db,
		Service: svc,
		Balance: meter,
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return Components{}, fmt.Errorf("creating JWT verifier: %w", err)
		}
		c.Verifier = verifier
	}
	return c, nil
}
