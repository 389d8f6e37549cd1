package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsdeck/internal/app"
	"opsdeck/internal/config"
	"opsdeck/internal/metrics"
	"opsdeck/internal/repo"
	"opsdeck/internal/server"
)

const envJWTSecret = "OPSDECK_JWT_SECRET"

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage opsdeck.yml",
		Long:  "opsdeck.yml picks the store backend and defines the dashboards, their entity tabs and webhooks. Without the file the built-in dashboards are used.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default opsdeck.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"path": path})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cmd.OutOrStdout(), cfg, func(tw table.Writer) {
				tw.SetTitle("store: " + cfg.Store.Backend)
				tw.AppendHeader(table.Row{"Dashboard", "Title", "Tab", "Statuses", "Default"})
				for _, name := range cfg.DashboardNames() {
					d := cfg.Dashboards[name]
					for _, kind := range d.Entities {
						e, _ := cfg.Entity(kind)
						tw.AppendRow(table.Row{name, d.Title, kind, len(e.Statuses), cfg.DefaultStatus(kind)})
					}
				}
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var all bool
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *session) error {
				if s.store.Repo == nil {
					return fmt.Errorf("the event log needs the sqlite backend (store is %s)", s.store.Backend)
				}
				if !all {
					f.OwnerID = viper.GetString("owner")
				}
				events, err := s.store.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), events, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Owner", "Kind", "Entity"})
					for _, e := range events {
						tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.OwnerID, e.EntityKind, e.EntityID})
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	cmd.Flags().BoolVar(&all, "all-owners", false, "include every owner's events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	var save bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for --owner",
		Long:  "Signs an HS256 token with " + envJWTSecret + ". With --save it is stored as " + app.EnvAPIToken + " in <workspace>/.env, where the http store backend picks it up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := viper.GetString("owner")
			token, err := server.SignToken(lookupEnv(envJWTSecret), owner, ttl, time.Now())
			if err != nil {
				return fmt.Errorf("%w (set %s)", err, envJWTSecret)
			}
			if save {
				path := filepath.Join(viper.GetString("workspace"), ".env")
				if err := setEnvValue(path, app.EnvAPIToken, token); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "saved %s to %s\n", app.EnvAPIToken, path)
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"owner": owner, "token": token})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().BoolVar(&save, "save", false, "store the token in the workspace .env")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowOwnerHeader bool
	var webhookInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := lookupEnv(envJWTSecret)
			if secret == "" {
				return fmt.Errorf("%s is required for bearer auth", envJWTSecret)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			s, err := openSession(ctx, cmd, m)
			if err != nil {
				return err
			}
			defer s.store.Close()

			// a nil *repo.Repo must not become a non-nil interface
			var events server.EventSource
			if s.store.Repo != nil {
				events = s.store.Repo
			}
			handler, err := server.New(server.Config{
				Gateway:  s.store.Gateway,
				App:      s.cfg,
				Events:   events,
				Metrics:  m,
				Logger:   s.log,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowOwnerHeader: allowOwnerHeader},
			})
			if err != nil {
				return err
			}
			if server.StartWebhookDispatcher(ctx, events, s.cfg.Webhooks, server.WebhookOptions{
				Interval: webhookInterval,
				Logger:   s.log,
				Metrics:  m,
			}) {
				s.log.Info().Int("webhooks", len(s.cfg.Webhooks)).Msg("webhook dispatcher started")
			} else if len(s.cfg.Webhooks) > 0 {
				s.log.Warn().Str("backend", s.store.Backend).Msg("webhooks need the sqlite event log; not dispatching")
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					s.log.Warn().Err(err).Msg("shutdown")
				}
			}()
			s.log.Info().Str("addr", addr).Str("base_path", basePath).Str("backend", s.store.Backend).Msg("serving opsdeck API")
			fmt.Fprintf(cmd.OutOrStdout(), "Serving opsdeck API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowOwnerHeader, "allow-owner-header", false, "accept X-Owner-Id without a token (development only)")
	cmd.Flags().DurationVar(&webhookInterval, "webhook-interval", 2*time.Second, "webhook polling interval")
	return cmd
}
