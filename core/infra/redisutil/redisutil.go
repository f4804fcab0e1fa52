package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envRedisTLSCA         = "REDIS_TLS_CA"
	envRedisTLSCert       = "REDIS_TLS_CERT"
	envRedisTLSKey        = "REDIS_TLS_KEY"
	envRedisTLSInsecure   = "REDIS_TLS_INSECURE"
	envRedisTLSServerName = "REDIS_TLS_SERVER_NAME"
	envRedisClusterAddrs  = "REDIS_CLUSTER_ADDRESSES"

	defaultPingTimeout = 2 * time.Second
)

// TLSOptions describes client TLS material for Redis connections.
type TLSOptions struct {
	CAPath     string
	CertPath   string
	KeyPath    string
	ServerName string
	Insecure   bool
}

func (o TLSOptions) empty() bool {
	return o.CAPath == "" && o.CertPath == "" && o.KeyPath == "" && o.ServerName == "" && !o.Insecure
}

// TLSOptionsFromEnv reads REDIS_TLS_* variables.
func TLSOptionsFromEnv() TLSOptions {
	return TLSOptions{
		CAPath:     strings.TrimSpace(os.Getenv(envRedisTLSCA)),
		CertPath:   strings.TrimSpace(os.Getenv(envRedisTLSCert)),
		KeyPath:    strings.TrimSpace(os.Getenv(envRedisTLSKey)),
		ServerName: strings.TrimSpace(os.Getenv(envRedisTLSServerName)),
		Insecure:   parseBoolEnv(envRedisTLSInsecure),
	}
}

// NewClient creates a Redis universal client with optional TLS and clustering support.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := parseAddrListEnv(envRedisClusterAddrs)
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// Connect builds a client and verifies the server answers PING.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// ParseOptions parses a Redis URL and applies TLS settings from the environment.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := BuildTLSConfig(opts.TLSConfig, TLSOptionsFromEnv())
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsConfig
	return opts, nil
}

// BuildTLSConfig layers TLS options over an existing config (from a rediss:// URL). It
// returns existing unchanged when no options are set.
func BuildTLSConfig(existing *tls.Config, o TLSOptions) (*tls.Config, error) {
	if o.empty() {
		return existing, nil
	}
	cfg := &tls.Config{}
	if existing != nil {
		cfg = existing.Clone()
	}
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.Insecure {
		cfg.InsecureSkipVerify = true
	}
	if o.CAPath != "" {
		pem, err := os.ReadFile(o.CAPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("redis tls ca parse: %s", o.CAPath)
		}
		cfg.RootCAs = pool
	}
	if o.CertPath != "" || o.KeyPath != "" {
		if o.CertPath == "" || o.KeyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(o.CertPath, o.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseBoolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseAddrListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
