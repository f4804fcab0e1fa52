package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envConfigPath, envAppEnv, envServiceName, envLogLevel, envHTTPAddr, envGRPCAddr, envMetricsAddr,
		envPDPAddr, envPDPTransport, envPDPTimeoutMS, envCacheURL, envRedisURL,
		envTTLHigh, envTTLMed, envTTLLow, envBreakerFailures, envPrincipalSource,
		envJWTPublicKey, envJWTPublicKeyFile, envFallbackMode, envNATSURL, envAuditSubject,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != EnvDevelopment || cfg.IsProduction() {
		t.Fatalf("expected development env, got %q", cfg.Env)
	}
	if cfg.PDP.Addr != defaultPDPAddr || cfg.PDP.Transport != PDPTransportHTTP {
		t.Fatalf("unexpected pdp defaults: %+v", cfg.PDP)
	}
	if cfg.PDPTimeout() != 500*time.Millisecond {
		t.Fatalf("unexpected pdp timeout: %v", cfg.PDPTimeout())
	}
	high, med, low := cfg.TTLs()
	if high != 30*time.Second || med != 60*time.Second || low != 300*time.Second {
		t.Fatalf("unexpected ttls: %v %v %v", high, med, low)
	}
	if cfg.Breaker.Failures != 5 {
		t.Fatalf("unexpected breaker threshold: %d", cfg.Breaker.Failures)
	}
	if cfg.Principal.Source != PrincipalSourceJWT || cfg.Principal.FallbackMode != FallbackDeny {
		t.Fatalf("unexpected principal defaults: %+v", cfg.Principal)
	}
	if cfg.Cache.URL != "" {
		t.Fatalf("expected empty cache url by default")
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" {
		t.Fatalf("unexpected listen defaults: http=%s grpc=%s", cfg.HTTPAddr, cfg.GRPCAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(envAppEnv, "Production")
	t.Setenv(envPDPAddr, "pdp:3593")
	t.Setenv(envPDPTransport, "grpc")
	t.Setenv(envPDPTimeoutMS, "250")
	t.Setenv(envRedisURL, "redis://general:6379/0")
	t.Setenv(envCacheURL, "redis://cache:6379/1")
	t.Setenv(envTTLHigh, "5")
	t.Setenv(envBreakerFailures, "3")
	t.Setenv(envPrincipalSource, "introspect")
	t.Setenv(envFallbackMode, "allow_with_logs")
	t.Setenv(envNATSURL, "nats://bus:4222")
	t.Setenv(envGRPCAddr, ":7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production tier")
	}
	if cfg.PDP.Addr != "pdp:3593" || cfg.PDP.Transport != PDPTransportGRPC || cfg.PDP.TimeoutMS != 250 {
		t.Fatalf("unexpected pdp config: %+v", cfg.PDP)
	}
	if cfg.Cache.URL != "redis://cache:6379/1" {
		t.Fatalf("expected cache url to win over redis url, got %q", cfg.Cache.URL)
	}
	if cfg.Cache.TTLHighSeconds != 5 || cfg.Breaker.Failures != 3 {
		t.Fatalf("unexpected numeric overrides: %+v %+v", cfg.Cache, cfg.Breaker)
	}
	if cfg.Principal.Source != PrincipalSourceIntrospect || cfg.Principal.FallbackMode != FallbackAllowWithLogs {
		t.Fatalf("unexpected principal config: %+v", cfg.Principal)
	}
	if cfg.GRPCAddr != ":7070" {
		t.Fatalf("unexpected grpc addr: %s", cfg.GRPCAddr)
	}
	if cfg.Audit.NatsURL != "nats://bus:4222" || cfg.Audit.Subject != defaultAuditSubject {
		t.Fatalf("unexpected audit config: %+v", cfg.Audit)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		envAppEnv:          "qa",
		envPDPTransport:    "carrier-pigeon",
		envPDPTimeoutMS:    "0",
		envBreakerFailures: "-1",
		envPrincipalSource: "user_service",
		envFallbackMode:    "allow",
		envTTLLow:          "abc",
	}
	for env, val := range cases {
		clearEnv(t)
		t.Setenv(env, val)
		if _, err := Load(); err == nil {
			t.Fatalf("expected error for %s=%s", env, val)
		}
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "authz.yaml")
	data := []byte(`
env: staging
pdp:
  addr: http://cerbos:3592
  timeout_ms: 800
cache:
  ttl_low_seconds: 600
principal:
  source: introspect
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, path)
	t.Setenv(envPDPTimeoutMS, "900")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != EnvStaging || cfg.PDP.Addr != "http://cerbos:3592" {
		t.Fatalf("expected file values, got env=%s addr=%s", cfg.Env, cfg.PDP.Addr)
	}
	if cfg.PDP.TimeoutMS != 900 {
		t.Fatalf("expected env to override file timeout, got %d", cfg.PDP.TimeoutMS)
	}
	if cfg.Cache.TTLLowSeconds != 600 || cfg.Cache.TTLHighSeconds != defaultTTLHighSeconds {
		t.Fatalf("unexpected ttl merge: %+v", cfg.Cache)
	}
	if cfg.PDP.Transport != PDPTransportHTTP {
		t.Fatalf("expected untouched default transport, got %q", cfg.PDP.Transport)
	}
}

func TestLoadYAMLOverlaySchemaViolation(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "authz.yaml")
	if err := os.WriteFile(path, []byte("breaker:\n  failures: 0\n  reset_seconds: 10\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, path)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "validate gateway config") {
		t.Fatalf("expected schema validation error, got %v", err)
	}
}

func TestLoadJWTKeyFromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, []byte("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	t.Setenv(envJWTPublicKey, "inline-secret")
	t.Setenv(envJWTPublicKeyFile, path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.HasPrefix(cfg.Principal.JWTPublicKey, "-----BEGIN PUBLIC KEY-----") {
		t.Fatalf("expected key file to win, got %q", cfg.Principal.JWTPublicKey)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
