// Package app opens the record store the workspace config asks for.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opsdeck/internal/config"
	"opsdeck/internal/db"
	"opsdeck/internal/gateway"
	"opsdeck/internal/memstore"
	"opsdeck/internal/metrics"
	"opsdeck/internal/migrate"
	"opsdeck/internal/pocketbase"
	"opsdeck/internal/repo"
	opsdecksdk "opsdeck/sdk/go"
)

// Environment variables holding store secrets. They override the config file.
const (
	EnvPocketBasePassword = "OPSDECK_POCKETBASE_PASSWORD"
	EnvAPIToken           = "OPSDECK_API_TOKEN"
)

type Options struct {
	Workspace string
	// DBPath overrides the sqlite file location.
	DBPath string
	// Owner is sent as the owner header by the http backend.
	Owner   string
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Getenv  func(string) string
}

// Store is an opened, instrumented gateway.
type Store struct {
	Gateway gateway.Gateway
	Backend string
	// Repo is set for the sqlite backend, which alone keeps an audit log.
	Repo *repo.Repo

	conn *sql.DB
}

func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Open selects the backend from cfg.Store.Backend and wraps it with logging
// and metrics.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Store, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	backend := cfg.Store.Backend
	if backend == "" {
		backend = "sqlite"
	}
	st := &Store{Backend: backend}
	var gw gateway.Gateway
	switch backend {
	case "sqlite":
		conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if applied > 0 {
			opts.Logger.Info().Int("applied", applied).Msg("applied migrations")
		}
		r := repo.Repo{DB: conn, DefaultStatus: cfg.DefaultStatus}
		st.conn = conn
		st.Repo = &r
		gw = r
	case "memory":
		gw = memstore.New(cfg.DefaultStatus)
	case "pocketbase":
		pb := cfg.Store.PocketBase
		if pb.BaseURL == "" {
			return nil, fmt.Errorf("store.pocketbase.base_url is required")
		}
		password := pb.Password
		if v := strings.TrimSpace(opts.Getenv(EnvPocketBasePassword)); v != "" {
			password = v
		}
		client := pocketbase.New(pocketbase.Config{
			BaseURL:        pb.BaseURL,
			AuthCollection: pb.AuthCollection,
			Identity:       pb.Identity,
			Password:       password,
			Collection:     pb.Collection,
			Timeout:        time.Duration(pb.TimeoutSeconds) * time.Second,
		})
		client.DefaultStatus = cfg.DefaultStatus
		gw = client
	case "http":
		hc := cfg.Store.HTTP
		if hc.BaseURL == "" {
			return nil, fmt.Errorf("store.http.base_url is required")
		}
		token := hc.Token
		if v := strings.TrimSpace(opts.Getenv(EnvAPIToken)); v != "" {
			token = v
		}
		client := opsdecksdk.New(hc.BaseURL, token)
		client.OwnerID = opts.Owner
		gw = client
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
	st.Gateway = gateway.Instrument(gw, backend, opts.Logger, opts.Metrics)
	return st, nil
}

// LoadConfig reads path when given, else the workspace's opsdeck.yml, else
// the built-in dashboards.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOrDefault(workspace)
}
