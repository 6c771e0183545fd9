// Package config resolves the server's runtime configuration from CLI
// flags (the primary surface), environment variables (secondary knobs), and
// an optional YAML overlay file, in that order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the fully resolved set of knobs the host needs to start
// serving.
type Config struct {
	Listen string // e.g. "0.0.0.0:8000"
	DBPath string

	CORSDebug    bool
	CORSOrigins  []string
	PollInterval time.Duration
}

// Defaults match the documented defaults: listen on all interfaces at
// :8000, store state in ./data.sqlite in the working directory.
func Defaults() Config {
	return Config{
		Listen:       "0.0.0.0:8000",
		DBPath:       "./data.sqlite",
		CORSDebug:    false,
		PollInterval: 100 * time.Millisecond,
	}
}

// Parse builds a Config from CLI args on top of Defaults(), applies the
// optional YAML overlay, then lets environment variables override the
// overlay's CORS-debug and poll-interval settings.
func Parse(args []string) (Config, error) {
	cfg := Defaults()

	fs := flag.NewFlagSet("pqxdh-server", flag.ContinueOnError)
	listen := fs.String("listen", cfg.Listen, "address to listen on, host:port")
	fs.StringVar(listen, "l", cfg.Listen, "shorthand for --listen")
	dbPath := fs.String("db", cfg.DBPath, "path to the sqlite database file")
	fs.StringVar(dbPath, "d", cfg.DBPath, "shorthand for --db")
	overlay := fs.String("config", "", "optional YAML file overlaying CORS origin and poll-interval settings")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Listen = *listen
	cfg.DBPath = *dbPath

	if *overlay != "" {
		if err := applyYAMLOverlay(&cfg, *overlay); err != nil {
			return Config{}, fmt.Errorf("config: loading overlay %q: %w", *overlay, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := getenvBool("PQXDH_CORS_DEBUG"); v != nil {
		cfg.CORSDebug = *v
	}
	cfg.PollInterval = getenvDuration("PQXDH_POLL_INTERVAL", cfg.PollInterval)
}

func getenvBool(key string) *bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b := strings.EqualFold(v, "true") || v == "1"
	return &b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

