package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	rcchat "github.com/rcchat/rcchat/sdk/golang"
)

const requestTimeout = 30 * time.Second

// sessionOptions carries per-command extras for openSession.
type sessionOptions struct {
	registerer prometheus.Registerer
	sink       rcchat.AlertSink
}

// openStore builds the configured snapshot backend. The returned func
// releases it.
func openStore(cfg *Config) (rcchat.SnapshotStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Backend {
	case "memory":
		return rcchat.NewMemoryStore(), noop, nil
	case "redis":
		addr := valueOrDefault(cfg.Redis.Addr, "localhost:6379")
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return rcchat.NewRedisStore(rdb, cfg.Redis.Prefix), rdb.Close, nil
	case "", "file":
		dir := cfg.Store.DataDir
		if dir == "" {
			base, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			dir = filepath.Join(base, "data")
		}
		fs, err := rcchat.NewFileStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// wsURL returns the configured event channel URL, or one derived from the
// API base URL's host.
func wsURL(cfg *Config) (string, error) {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL, nil
	}
	u, err := url.Parse(valueOrDefault(cfg.Default.BaseURL, rcchat.DefaultBaseURL))
	if err != nil {
		return "", fmt.Errorf("invalid base_url: %w", err)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + "/", nil
}

// openSession loads the config and builds a Session over the configured store.
// The returned func closes the session and the store.
func openSession(opts sessionOptions) (*rcchat.Session, *Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	ws, err := wsURL(cfg)
	if err != nil {
		closeStore()
		return nil, nil, nil, err
	}
	sess, err := rcchat.NewSession(rcchat.SessionConfig{
		BaseURL:    cfg.Default.BaseURL,
		WSURL:      ws,
		Store:      store,
		Logger:     rcchat.NewLogger(valueOrDefault(cfg.Default.Env, "local"), valueOrDefault(cfg.Default.LogLevel, "warn")),
		Registerer: opts.registerer,
		AlertSink:  opts.sink,
	})
	if err != nil {
		closeStore()
		return nil, nil, nil, err
	}
	release := func() {
		sess.Close()
		closeStore()
	}
	return sess, cfg, release, nil
}

// signedInSession opens a session and resumes the configured user.
func signedInSession(ctx context.Context, opts sessionOptions) (*rcchat.Session, func(), error) {
	sess, cfg, release, err := openSession(opts)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.UserID == "" {
		release()
		return nil, nil, fmt.Errorf("not signed in; run 'rcchat register' or 'rcchat join' first")
	}
	if _, err := sess.Resume(ctx, cfg.Auth.UserID); err != nil {
		release()
		return nil, nil, err
	}
	return sess, release, nil
}

// rememberUser stores the signed-in identity in the config file.
func rememberUser(cfg *Config, u *rcchat.User) error {
	cfg.Auth.UserID = u.ID
	cfg.Auth.UserName = u.Name
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskSecret shows the first and last 2 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 6 {
		return "******"
	}
	return s[:2] + "..." + s[len(s)-2:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
