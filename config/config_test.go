package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"protracker/board"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"BACKEND":                  "REST",
		"API_BASE_URL":             " https://tracker.example.com/api ",
		"TRANSITION_TIMEOUT":       "5s",
		"VIEW_CACHE_TTL":           "0",
		"STREAM_BUFFER":            "4",
		"DEBUG":                    "true",
		"LOCAL_AUTH_MODE":          "HS256",
		"LOCAL_AUTH_SHARED_SECRET": "s3cret",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendREST || cfg.APIBaseURL != "https://tracker.example.com/api" {
		t.Fatalf("unexpected backend settings: %+v", cfg)
	}
	if cfg.TransitionTimeout != 5*time.Second || cfg.ViewCacheTTL != 0 || cfg.StreamBuffer != 4 || !cfg.Debug {
		t.Fatalf("unexpected parsed values: %+v", cfg)
	}
	if cfg.LocalAuthMode != "hs256" || cfg.JWKSURL() != "" || cfg.Issuer() != "" {
		t.Fatalf("local auth must disable jwks: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":       {"TRANSITION_TIMEOUT": "soon"},
		"zero timeout":       {"TRANSITION_TIMEOUT": "0s"},
		"negative ttl":       {"VIEW_CACHE_TTL": "-1s"},
		"bad int":            {"STREAM_BUFFER": "many"},
		"bad bool":           {"DEBUG": "yes please"},
		"unknown backend":    {"BACKEND": "mongo"},
		"rest without url":   {"BACKEND": "rest"},
		"tables without cs":  {"BACKEND": "tables"},
		"hs256 no secret":    {"LOCAL_AUTH_MODE": "hs256"},
		"unknown local mode": {"LOCAL_AUTH_MODE": "none"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load(lookupFrom(env)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestAuth0Endpoints(t *testing.T) {
	cfg := Default()
	cfg.Auth0Domain = "tenant.eu.auth0.com"
	if got := cfg.JWKSURL(); got != "https://tenant.eu.auth0.com/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks url %q", got)
	}
	if got := cfg.Issuer(); got != "https://tenant.eu.auth0.com/" {
		t.Fatalf("unexpected issuer %q", got)
	}
}

func TestRedisOptions(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.RedisOptions(); ok {
		t.Fatalf("expected no redis by default")
	}

	cfg.RedisConnString = "redis://:pw@localhost:6380/2"
	opts, ok := cfg.RedisOptions()
	if !ok || opts.Addr != "localhost:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options: %+v", opts)
	}

	cfg.RedisConnString = "cache.example.net:6380,password=abc,ssl=True,abortConnect=False"
	opts, ok = cfg.RedisOptions()
	if !ok || opts.Addr != "cache.example.net:6380" || opts.Password != "abc" || opts.TLSConfig == nil {
		t.Fatalf("unexpected azure options: %+v", opts)
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()

	p, err := LoadPolicy("")
	if err != nil || !reflect.DeepEqual(p, board.DefaultPolicy()) {
		t.Fatalf("expected default policy, got %v %v", p, err)
	}
	p, err = LoadPolicy(filepath.Join(dir, "missing.yaml"))
	if err != nil || !reflect.DeepEqual(p, board.DefaultPolicy()) {
		t.Fatalf("expected default policy for missing file, got %v %v", p, err)
	}

	path := filepath.Join(dir, "policy.yaml")
	content := "invalidate:\n  - tasks\n  - projects/{projectId}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err = LoadPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !reflect.DeepEqual(p.Rules, []string{"tasks", "projects/{projectId}"}) {
		t.Fatalf("unexpected rules: %v", p.Rules)
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("invalidate: []\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPolicy(empty); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty rules, got %v", err)
	}

	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("invalidate: [tasks"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPolicy(broken); err == nil {
		t.Fatalf("expected parse error")
	}
}
