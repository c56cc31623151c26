package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "TOKEN", "PUBLIC_URL", "LOG_LEVEL", "JWT_ISSUER"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7005 || cfg.Token != "Karin-Puppeteer" {
		t.Fatalf("port=%d token=%q", cfg.Port, cfg.Token)
	}
	if cfg.PublicURL != "http://localhost:7005" {
		t.Fatalf("public url = %q", cfg.PublicURL)
	}
	if cfg.Cache.MaxKeys != 1000 || cfg.Cache.TTL != 24*time.Hour || cfg.Cache.Codec != "json" {
		t.Fatalf("cache = %+v", cfg.Cache)
	}
	if cfg.Session.Grace != 10*time.Second || cfg.Session.Active != 5*time.Minute || cfg.Session.StaticTimeout != 2*time.Minute {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Render.Concurrency != 10 || cfg.Render.Timeout != 90*time.Second {
		t.Fatalf("render = %+v", cfg.Render)
	}
	if !cfg.Templates {
		t.Fatal("templates disabled by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("PUBLIC_URL", "https://render.example/")
	t.Setenv("SESSION_GRACE", "3s")
	t.Setenv("CACHE_CODEC", "msgpack")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != ":8080" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
	if cfg.PublicURL != "https://render.example" {
		t.Fatalf("public url = %q", cfg.PublicURL)
	}
	if cfg.Session.Grace != 3*time.Second || cfg.Cache.Codec != "msgpack" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"bad public url": {"PUBLIC_URL", "ftp://x"},
		"bad level":      {"LOG_LEVEL", "loud"},
		"jwt no keys":    {"JWT_ISSUER", "https://issuer.example"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
