// Package config reads process settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"protracker/board"
)

var ErrInvalid = errors.New("invalid config")

// Backends a session can run against.
const (
	BackendREST   = "rest"
	BackendSQLite = "sqlite"
	BackendTables = "tables"
)

type Config struct {
	Backend           string
	APIBaseURL        string
	SQLitePath        string
	StorageConnString string
	TasksTable        string
	ProjectsTable     string
	ActivityQueue     string
	RedisConnString   string
	ViewCacheTTL      time.Duration
	DeduperTTL        time.Duration
	TransitionTimeout time.Duration
	Auth0Domain       string
	Auth0Audience     string
	LocalAuthMode     string
	LocalAuthSecret   string
	PolicyPath        string
	ListenAddr        string
	StreamBuffer      int
	Debug             bool
}

// Default returns the settings used when nothing is set.
func Default() Config {
	return Config{
		Backend:           BackendSQLite,
		SQLitePath:        "protracker.db",
		TasksTable:        "Tasks",
		ProjectsTable:     "Projects",
		ActivityQueue:     "activity",
		ViewCacheTTL:      30 * time.Second,
		DeduperTTL:        24 * time.Hour,
		TransitionTimeout: 30 * time.Second,
		ListenAddr:        ":8080",
		StreamBuffer:      16,
	}
}

// FromEnv overlays the environment on Default and validates the result.
func FromEnv() (Config, error) {
	return load(os.LookupEnv)
}

// ParseEnv is FromEnv without validation, for callers that override fields
// before calling Validate.
func ParseEnv() (Config, error) {
	return parse(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg, err := parse(lookup)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func parse(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error

	cfg.Backend = strings.ToLower(envString(lookup, "BACKEND", cfg.Backend))
	cfg.APIBaseURL = envString(lookup, "API_BASE_URL", cfg.APIBaseURL)
	cfg.SQLitePath = envString(lookup, "SQLITE_PATH", cfg.SQLitePath)
	cfg.StorageConnString = envString(lookup, "STORAGE_CONNECTION_STRING", "")
	cfg.TasksTable = envString(lookup, "TASKS_TABLE", cfg.TasksTable)
	cfg.ProjectsTable = envString(lookup, "PROJECTS_TABLE", cfg.ProjectsTable)
	cfg.ActivityQueue = envString(lookup, "ACTIVITY_QUEUE", cfg.ActivityQueue)
	cfg.RedisConnString = envString(lookup, "REDIS_CONNECTION_STRING", "")
	cfg.Auth0Domain = envString(lookup, "AUTH0_DOMAIN", "")
	cfg.Auth0Audience = envString(lookup, "AUTH0_AUDIENCE", "")
	cfg.LocalAuthMode = strings.ToLower(envString(lookup, "LOCAL_AUTH_MODE", ""))
	cfg.LocalAuthSecret = envString(lookup, "LOCAL_AUTH_SHARED_SECRET", "")
	cfg.PolicyPath = envString(lookup, "INVALIDATION_POLICY", "")
	cfg.ListenAddr = envString(lookup, "LISTEN_ADDR", cfg.ListenAddr)

	var err error
	if cfg.ViewCacheTTL, err = envDur(lookup, "VIEW_CACHE_TTL", cfg.ViewCacheTTL, true); err != nil {
		errs = append(errs, err)
	}
	if cfg.DeduperTTL, err = envDur(lookup, "DEDUPER_TTL", cfg.DeduperTTL, false); err != nil {
		errs = append(errs, err)
	}
	if cfg.TransitionTimeout, err = envDur(lookup, "TRANSITION_TIMEOUT", cfg.TransitionTimeout, false); err != nil {
		errs = append(errs, err)
	}
	if cfg.StreamBuffer, err = envInt(lookup, "STREAM_BUFFER", cfg.StreamBuffer); err != nil {
		errs = append(errs, err)
	}
	if cfg.Debug, err = envBool(lookup, "DEBUG", false); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// Validate checks that the selected backend and auth mode are fully configured.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendREST:
		if c.APIBaseURL == "" {
			return fmt.Errorf("%w: API_BASE_URL is required for the rest backend", ErrInvalid)
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: SQLITE_PATH is required for the sqlite backend", ErrInvalid)
		}
	case BackendTables:
		if c.StorageConnString == "" || c.TasksTable == "" {
			return fmt.Errorf("%w: missing storage config", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown BACKEND %q", ErrInvalid, c.Backend)
	}
	switch c.LocalAuthMode {
	case "":
	case "hs256":
		if c.LocalAuthSecret == "" {
			return fmt.Errorf("%w: LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported LOCAL_AUTH_MODE %q", ErrInvalid, c.LocalAuthMode)
	}
	return nil
}

// JWKSURL is empty in local auth mode.
func (c Config) JWKSURL() string {
	if c.LocalAuthMode != "" || c.Auth0Domain == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

// Issuer of Auth0 tokens, or empty in local auth mode.
func (c Config) Issuer() string {
	if c.LocalAuthMode != "" || c.Auth0Domain == "" {
		return ""
	}
	return "https://" + c.Auth0Domain + "/"
}

// RedisOptions accepts a redis URL or the Azure-style "host:port,password=…,ssl=True"
// form. ok is false when no redis is configured.
func (c Config) RedisOptions() (opts *redis.Options, ok bool) {
	if c.RedisConnString == "" {
		return nil, false
	}
	if parsed, err := redis.ParseURL(c.RedisConnString); err == nil {
		return parsed, true
	}
	parts := strings.Split(c.RedisConnString, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, true
}

// LoadPolicy reads an invalidation policy file. An empty path or a missing
// file yields the default policy.
func LoadPolicy(path string) (board.RulePolicy, error) {
	if path == "" {
		return board.DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return board.DefaultPolicy(), nil
		}
		return board.RulePolicy{}, fmt.Errorf("reading policy file: %w", err)
	}
	var p board.RulePolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return board.RulePolicy{}, fmt.Errorf("parsing policy file: %w", err)
	}
	if len(p.Rules) == 0 {
		return board.RulePolicy{}, fmt.Errorf("%w: policy %s has no invalidate rules", ErrInvalid, path)
	}
	return p, nil
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def, fmt.Errorf("%w: %s must be a positive integer", ErrInvalid, key)
	}
	return n, nil
}

// envDur rejects negative durations; zero is accepted only when allowZero.
func envDur(lookup func(string) (string, bool), key string, def time.Duration, allowZero bool) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return d, nil
}

func envBool(lookup func(string) (string, bool), key string, def bool) (bool, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return b, nil
}
