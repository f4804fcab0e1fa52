package redisutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestParseOptionsNoTLS(t *testing.T) {
	opts, err := ParseOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("ParseOptions error: %v", err)
	}
	if opts.TLSConfig != nil {
		t.Fatalf("expected nil TLS config")
	}
}

func TestParseOptionsInsecureTLS(t *testing.T) {
	t.Setenv(envRedisTLSInsecure, "true")
	opts, err := ParseOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("ParseOptions error: %v", err)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify {
		t.Fatalf("expected insecure TLS config")
	}
}

func TestParseOptionsTLSCA(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTempCert(t, dir)
	t.Setenv(envRedisTLSCA, certPath)
	t.Setenv(envRedisTLSCert, certPath)
	t.Setenv(envRedisTLSKey, keyPath)

	opts, err := ParseOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("ParseOptions error: %v", err)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.RootCAs == nil {
		t.Fatalf("expected root CAs set")
	}
	if len(opts.TLSConfig.Certificates) != 1 {
		t.Fatalf("expected client certificate")
	}
}

func TestParseOptionsMissingKey(t *testing.T) {
	dir := t.TempDir()
	certPath, _ := writeTempCert(t, dir)
	t.Setenv(envRedisTLSCert, certPath)

	_, err := ParseOptions("redis://localhost:6379")
	if err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestBuildTLSConfigKeepsExisting(t *testing.T) {
	cfg, err := BuildTLSConfig(nil, TLSOptions{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config without options, got %v err=%v", cfg, err)
	}
	cfg, err = BuildTLSConfig(nil, TLSOptions{ServerName: "cache.internal"})
	if err != nil {
		t.Fatalf("build tls: %v", err)
	}
	if cfg.ServerName != "cache.internal" {
		t.Fatalf("unexpected server name %q", cfg.ServerName)
	}
}

func TestBuildTLSConfigBadCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := BuildTLSConfig(nil, TLSOptions{CAPath: path}); err == nil {
		t.Fatalf("expected error for unparsable CA")
	}
}

func TestConnectAndDeleteByPattern(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	client, err := Connect(context.Background(), "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	for i := 0; i < 250; i++ {
		_ = srv.Set(fmt.Sprintf("authz:decision:%03d", i), "1")
	}
	_ = srv.Set("other:key", "keep")

	deleted, err := DeleteByPattern(context.Background(), client, "authz:decision:*", 40)
	if err != nil {
		t.Fatalf("delete by pattern: %v", err)
	}
	if deleted != 250 {
		t.Fatalf("expected 250 deletions, got %d", deleted)
	}
	if keys := srv.Keys(); len(keys) != 1 || keys[0] != "other:key" {
		t.Fatalf("unexpected remaining keys: %v", keys)
	}
}

func TestConnectUnreachable(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	addr := srv.Addr()
	srv.Close()
	if _, err := Connect(context.Background(), "redis://"+addr); err == nil {
		t.Fatalf("expected connect error for closed server")
	}
}

func TestDeleteByPatternNilClient(t *testing.T) {
	if _, err := DeleteByPattern(context.Background(), nil, "x:*", 0); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestParseAddrListEnv(t *testing.T) {
	t.Setenv(envRedisClusterAddrs, "a:1, b:2\nc:3")
	got := parseAddrListEnv(envRedisClusterAddrs)
	if len(got) != 3 || got[0] != "a:1" || got[2] != "c:3" {
		t.Fatalf("unexpected addrs: %v", got)
	}
}

func writeTempCert(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
