package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultServiceName     = "cordum-authz"
	defaultHTTPAddr        = ":8080"
	defaultGRPCAddr        = ":9090"
	defaultMetricsAddr     = ":9092"
	defaultPDPAddr         = "http://localhost:3592"
	defaultPDPTransport    = PDPTransportHTTP
	defaultPDPTimeout      = 500 * time.Millisecond
	defaultTTLHighSeconds  = 30
	defaultTTLMedSeconds   = 60
	defaultTTLLowSeconds   = 300
	defaultBreakerFailures = 5
	defaultAuditSubject    = "authz.audit.decision"

	// BreakerResetTimeout is fixed; it is not read from the environment.
	BreakerResetTimeout = 30 * time.Second

	envConfigPath       = "AUTHZ_CONFIG_PATH"
	envAppEnv           = "APP_ENV"
	envServiceName      = "SERVICE_NAME"
	envLogLevel         = "LOG_LEVEL"
	envHTTPAddr         = "HTTP_ADDR"
	envGRPCAddr         = "GRPC_ADDR"
	envMetricsAddr      = "METRICS_ADDR"
	envPDPAddr          = "PDP_ADDR"
	envPDPTransport     = "PDP_TRANSPORT"
	envPDPTimeoutMS     = "PDP_TIMEOUT_MS"
	envCacheURL         = "DECISION_CACHE_URL"
	envRedisURL         = "REDIS_URL"
	envTTLHigh          = "DECISION_CACHE_TTL_HIGH"
	envTTLMed           = "DECISION_CACHE_TTL_MED"
	envTTLLow           = "DECISION_CACHE_TTL_LOW"
	envBreakerFailures  = "PDP_CIRCUIT_BREAKER_FAILURES"
	envPrincipalSource  = "PRINCIPAL_ATTR_SOURCE"
	envJWTPublicKey     = "JWT_PUBLIC_KEY"
	envJWTPublicKeyFile = "JWT_PUBLIC_KEY_FILE"
	envFallbackMode     = "AUTH_FALLBACK_MODE"
	envNATSURL          = "NATS_URL"
	envAuditSubject     = "AUDIT_SUBJECT"
)

// Environment tiers.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// PDP transports.
const (
	PDPTransportHTTP = "http"
	PDPTransportGRPC = "grpc"
)

// Principal resolution modes.
const (
	PrincipalSourceJWT        = "jwt"
	PrincipalSourceIntrospect = "introspect"
)

// Identity fallback modes.
const (
	FallbackDeny          = "deny"
	FallbackAllowWithLogs = "allow_with_logs"
)

// PDPConfig locates the policy decision point.
type PDPConfig struct {
	Addr      string `yaml:"addr"`
	Transport string `yaml:"transport"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// CacheConfig sets the decision cache backend and the per-sensitivity TTLs in seconds.
type CacheConfig struct {
	URL            string `yaml:"url"`
	TTLHighSeconds int    `yaml:"ttl_high_seconds"`
	TTLMedSeconds  int    `yaml:"ttl_med_seconds"`
	TTLLowSeconds  int    `yaml:"ttl_low_seconds"`
}

// BreakerConfig holds the PDP circuit-breaker threshold.
type BreakerConfig struct {
	Failures int `yaml:"failures"`
}

// PrincipalConfig controls how caller identity is resolved.
type PrincipalConfig struct {
	Source       string `yaml:"source"`
	JWTPublicKey string `yaml:"jwt_public_key"`
	FallbackMode string `yaml:"fallback_mode"`
}

// AuditConfig selects optional audit fan-out targets.
type AuditConfig struct {
	NatsURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Config holds runtime configuration for the authorization gateway.
type Config struct {
	Env         string          `yaml:"env"`
	ServiceName string          `yaml:"service_name"`
	LogLevel    string          `yaml:"log_level"`
	HTTPAddr    string          `yaml:"http_addr"`
	GRPCAddr    string          `yaml:"grpc_addr"`
	MetricsAddr string          `yaml:"metrics_addr"`
	PDP         PDPConfig       `yaml:"pdp"`
	Cache       CacheConfig     `yaml:"cache"`
	Breaker     BreakerConfig   `yaml:"breaker"`
	Principal   PrincipalConfig `yaml:"principal"`
	Audit       AuditConfig     `yaml:"audit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Env:         EnvDevelopment,
		ServiceName: defaultServiceName,
		LogLevel:    "info",
		HTTPAddr:    defaultHTTPAddr,
		GRPCAddr:    defaultGRPCAddr,
		MetricsAddr: defaultMetricsAddr,
		PDP: PDPConfig{
			Addr:      defaultPDPAddr,
			Transport: defaultPDPTransport,
			TimeoutMS: int(defaultPDPTimeout / time.Millisecond),
		},
		Cache: CacheConfig{
			TTLHighSeconds: defaultTTLHighSeconds,
			TTLMedSeconds:  defaultTTLMedSeconds,
			TTLLowSeconds:  defaultTTLLowSeconds,
		},
		Breaker: BreakerConfig{Failures: defaultBreakerFailures},
		Principal: PrincipalConfig{
			Source:       PrincipalSourceJWT,
			FallbackMode: FallbackDeny,
		},
		Audit: AuditConfig{Subject: defaultAuditSubject},
	}
}

// Load returns configuration from defaults, an optional YAML file (AUTHZ_CONFIG_PATH), and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayEnv() error {
	setString(&c.Env, envAppEnv)
	setString(&c.ServiceName, envServiceName)
	setString(&c.LogLevel, envLogLevel)
	setString(&c.HTTPAddr, envHTTPAddr)
	setString(&c.GRPCAddr, envGRPCAddr)
	setString(&c.MetricsAddr, envMetricsAddr)
	setString(&c.PDP.Addr, envPDPAddr)
	setString(&c.PDP.Transport, envPDPTransport)
	setString(&c.Cache.URL, envRedisURL)
	setString(&c.Cache.URL, envCacheURL)
	setString(&c.Principal.Source, envPrincipalSource)
	setString(&c.Principal.JWTPublicKey, envJWTPublicKey)
	setString(&c.Principal.FallbackMode, envFallbackMode)
	setString(&c.Audit.NatsURL, envNATSURL)
	setString(&c.Audit.Subject, envAuditSubject)

	if path := strings.TrimSpace(os.Getenv(envJWTPublicKeyFile)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", envJWTPublicKeyFile, err)
		}
		c.Principal.JWTPublicKey = string(data)
	}

	for _, item := range []struct {
		dst *int
		env string
	}{
		{&c.PDP.TimeoutMS, envPDPTimeoutMS},
		{&c.Cache.TTLHighSeconds, envTTLHigh},
		{&c.Cache.TTLMedSeconds, envTTLMed},
		{&c.Cache.TTLLowSeconds, envTTLLow},
		{&c.Breaker.Failures, envBreakerFailures},
	} {
		if err := setInt(item.dst, item.env); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects out-of-range values and unknown enum settings.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config required")
	}
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	switch c.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid %s %q", envAppEnv, c.Env)
	}
	c.PDP.Transport = strings.ToLower(strings.TrimSpace(c.PDP.Transport))
	switch c.PDP.Transport {
	case PDPTransportHTTP, PDPTransportGRPC:
	default:
		return fmt.Errorf("invalid %s %q", envPDPTransport, c.PDP.Transport)
	}
	if strings.TrimSpace(c.PDP.Addr) == "" {
		return fmt.Errorf("%s required", envPDPAddr)
	}
	if c.PDP.TimeoutMS <= 0 {
		return fmt.Errorf("%s must be positive", envPDPTimeoutMS)
	}
	if c.Cache.TTLHighSeconds <= 0 || c.Cache.TTLMedSeconds <= 0 || c.Cache.TTLLowSeconds <= 0 {
		return fmt.Errorf("decision cache ttls must be positive")
	}
	if c.Breaker.Failures <= 0 {
		return fmt.Errorf("%s must be positive", envBreakerFailures)
	}
	c.Principal.Source = strings.ToLower(strings.TrimSpace(c.Principal.Source))
	switch c.Principal.Source {
	case PrincipalSourceJWT, PrincipalSourceIntrospect:
	default:
		return fmt.Errorf("invalid %s %q", envPrincipalSource, c.Principal.Source)
	}
	c.Principal.FallbackMode = strings.ToLower(strings.TrimSpace(c.Principal.FallbackMode))
	switch c.Principal.FallbackMode {
	case FallbackDeny, FallbackAllowWithLogs:
	default:
		return fmt.Errorf("invalid %s %q", envFallbackMode, c.Principal.FallbackMode)
	}
	return nil
}

// IsProduction reports whether the environment tier is production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == EnvProduction
}

// PDPTimeout returns the bounded timeout for a single PDP round trip.
func (c *Config) PDPTimeout() time.Duration {
	return time.Duration(c.PDP.TimeoutMS) * time.Millisecond
}

// TTLs returns the high/medium/low sensitivity cache TTLs.
func (c *Config) TTLs() (high, med, low time.Duration) {
	return time.Duration(c.Cache.TTLHighSeconds) * time.Second,
		time.Duration(c.Cache.TTLMedSeconds) * time.Second,
		time.Duration(c.Cache.TTLLowSeconds) * time.Second
}

func setString(dst *string, env string) {
	if val := strings.TrimSpace(os.Getenv(env)); val != "" {
		*dst = val
	}
}

func setInt(dst *int, env string) error {
	raw := strings.TrimSpace(os.Getenv(env))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", env, err)
	}
	*dst = n
	return nil
}
