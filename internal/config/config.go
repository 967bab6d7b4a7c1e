// Package config loads the realtime server configuration from the
// environment. An optional .env file in the working directory is read first;
// variables already set in the environment win.
package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the realtime server.
type Config struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AuthTimeout    time.Duration // Authenticating -> Closed if no successful join

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	TypingTimeout time.Duration

	ServerName string // identifies this instance in Redis records and NATS relays
	JWTSecret  string

	DatabaseURL    string // empty: in-memory conversation store
	MigrateOnStart bool
	RedisAddr      string // empty: no cluster presence, no rate limiting
	NATSURL        string // empty: single-instance fan-out

	CORSOrigins []string

	// TrustedProxies may set X-Forwarded-For; empty means the header is
	// ignored and the TCP peer is the client.
	TrustedProxies []netip.Prefix

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		AuthTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		TypingTimeout:     3 * time.Second,
		ServerName:        "ws-1",
		JWTSecret:         "your-secret-key",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads .env (if present) and overlays environment variables on Default.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv overlays the variables returned by lookup on Default. Malformed
// numbers and durations are ignored and the default is kept.
func FromEnv(lookup func(string) (string, bool)) Config {
	cfg := Default()
	if host, err := os.Hostname(); err == nil && host != "" {
		cfg.ServerName = host
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	positiveInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	if port, ok := lookup("PORT"); ok && port != "" {
		cfg.ListenAddr = ":" + port
	}
	positiveInt("WORKER_POOL_SIZE", &cfg.WorkerPoolSize)
	positiveInt("MAX_CONNECTIONS", &cfg.MaxConnections)
	duration("READ_TIMEOUT", &cfg.ReadTimeout)
	duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	duration("AUTH_TIMEOUT", &cfg.AuthTimeout)
	duration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	duration("HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	duration("TYPING_TIMEOUT", &cfg.TypingTimeout)
	str("SERVER_NAME", &cfg.ServerName)
	str("JWT_SECRET", &cfg.JWTSecret)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("NATS_URL", &cfg.NATSURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if v, ok := lookup("MIGRATE_ON_START"); ok {
		cfg.MigrateOnStart, _ = strconv.ParseBool(v)
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitList(v)
	} else if v, ok := lookup("CLIENT_URL"); ok {
		cfg.CORSOrigins = splitList(v)
	}

	if v, ok := lookup("TRUSTED_PROXIES"); ok {
		cfg.TrustedProxies = parsePrefixes(splitList(v))
	}

	return cfg
}

// parsePrefixes accepts CIDRs and bare addresses. Malformed entries are
// skipped.
func parsePrefixes(items []string) []netip.Prefix {
	var out []netip.Prefix
	for _, item := range items {
		if p, err := netip.ParsePrefix(item); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(item); err == nil {
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
