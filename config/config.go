// Package config loads the gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is decoded by envdecode; defaults live in the struct tags.
type Config struct {
	// Port the HTTP server listens on. ENV: PORT
	Port int `env:"PORT,default=7005"`
	// Token guards non-template jobs on POST /api/render. ENV: TOKEN
	Token string `env:"TOKEN,default=Karin-Puppeteer"`
	// PublicURL is how the render engine reaches this gateway; template and
	// inline pages are addressed under it. Defaults to http://localhost:<Port>.
	// ENV: PUBLIC_URL
	PublicURL string `env:"PUBLIC_URL"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// Favicon is served for /favicon.ico on the resource routes when set.
	// ENV: FAVICON
	Favicon string `env:"FAVICON"`
	// Templates enables template-based renders. ENV: TEMPLATES
	Templates bool `env:"TEMPLATES,default=true"`

	Cache   Cache
	Session Session
	Render  Render
	JWT     JWT
}

type Cache struct {
	// Dir holds one record per resource key. ENV: CACHE_DIR
	Dir string `env:"CACHE_DIR,default=./data/cache"`
	// MaxKeys bounds the memory tier. ENV: CACHE_MAX_KEYS
	MaxKeys int64 `env:"CACHE_MAX_KEYS,default=1000"`
	// TTL is the memory tier lifetime per key. ENV: CACHE_TTL
	TTL time.Duration `env:"CACHE_TTL,default=24h"`
	// Codec is json, msgpack or cbor. ENV: CACHE_CODEC
	Codec string `env:"CACHE_CODEC,default=json"`
	// Logger selects the cache log backend: slog, zap or logrus. ENV: CACHE_LOGGER
	Logger string `env:"CACHE_LOGGER,default=slog"`
	// RedisAddr switches the durable tier to Redis when set. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// RedisPrefix for all cache keys. ENV: CACHE_REDIS_PREFIX
	RedisPrefix string `env:"CACHE_REDIS_PREFIX,default=render-gateway:cache:"`
	// RedisTTL expires records not rewritten for this long; 0 keeps them.
	// ENV: CACHE_REDIS_TTL
	RedisTTL time.Duration `env:"CACHE_REDIS_TTL,default=0s"`
}

type Session struct {
	// Grace closes connections that send no render request. ENV: SESSION_GRACE
	Grace time.Duration `env:"SESSION_GRACE,default=10s"`
	// Active is the sliding deadline while renders run. ENV: SESSION_ACTIVE
	Active time.Duration `env:"SESSION_ACTIVE,default=5m"`
	// StaticTimeout bounds one resource callback. ENV: STATIC_TIMEOUT
	StaticTimeout time.Duration `env:"STATIC_TIMEOUT,default=2m"`
}

type Render struct {
	// EngineURL is the external render engine endpoint. ENV: RENDER_ENGINE_URL
	EngineURL string `env:"RENDER_ENGINE_URL,default=http://127.0.0.1:7006/render"`
	// Concurrency bounds renders in flight. ENV: RENDER_CONCURRENCY
	Concurrency int64 `env:"RENDER_CONCURRENCY,default=10"`
	// Timeout bounds one render. ENV: RENDER_TIMEOUT
	Timeout time.Duration `env:"RENDER_TIMEOUT,default=90s"`
}

// JWT enables JWT credentials on the render API in addition to Token.
type JWT struct {
	// Issuer enables JWT checks when set. ENV: JWT_ISSUER
	Issuer string `env:"JWT_ISSUER"`
	// JWKSURL selects RS/ES tokens verified against a key set. ENV: JWT_JWKS_URL
	JWKSURL string `env:"JWT_JWKS_URL"`
	// Secret selects HS256 tokens. ENV: JWT_SECRET
	Secret string `env:"JWT_SECRET"`
	// Audience is the required aud claim, if any. ENV: JWT_AUDIENCE
	Audience string `env:"JWT_AUDIENCE"`
}

// Load decodes the environment and fills derived defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	u, err := url.Parse(c.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid PUBLIC_URL %q", c.PublicURL)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.JWT.Issuer != "" && c.JWT.JWKSURL == "" && c.JWT.Secret == "" {
		return errors.New("JWT_ISSUER requires JWT_JWKS_URL or JWT_SECRET")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
	return l, nil
}
