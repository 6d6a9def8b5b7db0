// ABOUTME: Cobra command tree for ant-gateway: serve, balance, resolve, stats, token, health and version
// ABOUTME: Each command loads the config file and builds only the collaborators it needs

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/ant-gateway/internal/auth"
	"github.com/2389/ant-gateway/internal/config"
	"github.com/2389/ant-gateway/internal/gateway"
)

// defaultTokenTTL is the lifetime of tokens issued by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "ant-gateway",
		Short:         "Agent server that acquires pay-per-call L402 tools at runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $ANT_CONFIG, ./config.yaml, ~/.config/ant/gateway.yaml)")

	load := func() (*config.Config, string, error) {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("loading config: %w", err)
		}
		return cfg, path, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newBalanceCmd(load),
		newResolveCmd(load),
		newStatsCmd(load),
		newTokenCmd(load),
		newHealthCmd(load),
		newVersionCmd(),
	)
	return rootCmd
}

type configLoader func() (*config.Config, string, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			cyan := color.New(color.FgCyan)
			cyan.Fprint(out, banner)
			gray := color.New(color.FgHiBlack)
			gray.Fprintf(out, "    version: %s\n\n", version)

			cfg, path, err := load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging, out)

			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Config:    %s\n", path)
			green.Fprint(out, "    ▶ ")
			if cfg.Tailscale.Enabled {
				scheme := "http"
				if cfg.Tailscale.Funnel {
					scheme = "https"
				}
				fmt.Fprintf(out, "Tailnet:   %s://%s\n", scheme, cfg.Tailscale.Hostname)
			} else {
				fmt.Fprintf(out, "HTTP:      %s\n", cfg.Server.HTTPAddr)
			}
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Model:     %s (synthesis: %s)\n", cfg.LLM.Model, cfg.Synthesizer.Model)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Sessions:  %d\n", cfg.Sessions.Capacity)
			if cfg.Auth.JWTSecret == "" {
				yellow.Fprintln(out, "    ! auth disabled (no jwt_secret)")
			}
			fmt.Fprintln(out)

			logger.Info("starting ant-gateway",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"model", cfg.LLM.Model,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func newBalanceCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the wallet balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())

			snap, err := gateway.NewMeter(cfg, logger).Balance(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", snap.Amount, snap.Currency)
			return err
		},
	}
}

func newStatsCmd(load configLoader) *cobra.Command {
	var (
		sessionID string
		since     time.Duration
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded spend and token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			db, err := gateway.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			var session *string
			if sessionID != "" {
				session = &sessionID
			}
			var from *time.Time
			if since > 0 {
				t := time.Now().Add(-since)
				from = &t
			}

			stats, err := gateway.CollectStats(cmd.Context(), db, session, from, nil)
			if err != nil {
				return err
			}
			stats.SessionID = sessionID

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Fprintf(out, "Turns:     %d (%d metered, %d failed) across %d sessions\n",
				stats.Turns, stats.MeteredTurns, stats.FailedTurns, stats.Sessions)
			fmt.Fprintf(out, "Spent:     %d %s (largest turn %d)\n", stats.TotalSpent, cfg.Ledger.Currency, stats.LargestDelta)
			_, err = fmt.Fprintf(out, "Tokens:    %d in / %d out over %d model calls\n",
				stats.InputTokens, stats.OutputTokens, stats.ModelRequests)
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only count this session")
	cmd.Flags().DurationVar(&since, "since", 0, "only count turns newer than this (e.g. 24h)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newResolveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <l402-uri>",
		Short: "Fetch and print the descriptor behind an l402:// URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())

			resolver, err := gateway.NewResolver(cfg, logger)
			if err != nil {
				return err
			}
			d, err := resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(d.StripAuth(), "", "  ")
			if err != nil {
				return fmt.Errorf("encoding descriptor: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newTokenCmd(load configLoader) *cobra.Command {
	var expires time.Duration

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret not configured in %s", path)
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(strings.TrimSpace(args[0]), expires)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&expires, "expires", defaultTokenTTL, "token lifetime (0 for no expiry)")
	return cmd
}

func newHealthCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check a running gateway's health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
