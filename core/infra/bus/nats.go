package bus

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/cordum-authz/core/infra/logging"
)

// Publisher is a thin wrapper over a NATS connection used to ship audit events.
type Publisher struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	durable   string
}

const (
	envUseJetStream    = "NATS_USE_JETSTREAM"
	envJSMaxAge        = "NATS_JS_MAX_AGE"
	envNATSTLSCA       = "NATS_TLS_CA"
	envNATSTLSCert     = "NATS_TLS_CERT"
	envNATSTLSKey      = "NATS_TLS_KEY"
	envNATSTLSInsecure = "NATS_TLS_INSECURE"

	defaultMaxAge = 7 * 24 * time.Hour

	streamAudit = "AUTHZ_AUDIT"
)

var (
	errNilPublisher = errors.New("nats publisher not initialized")
	errEmptyTopic   = errors.New("empty subject")
)

// Connect dials NATS at the provided URL. When NATS_USE_JETSTREAM is set, subjects under
// durablePrefix are published through a JetStream stream so audit records survive restarts.
func Connect(url, name, durablePrefix string) (*Publisher, error) {
	if strings.TrimSpace(name) == "" {
		name = "cordum-authz"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsCfg, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	p := &Publisher{nc: nc, durable: strings.TrimSpace(durablePrefix)}
	p.initJetStreamFromEnv()
	return p, nil
}

// Close drains pending publishes and shuts down the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// Publish sends data on subject. Durable subjects go through JetStream when enabled.
func (p *Publisher) Publish(subject string, data []byte) error {
	if p == nil || p.nc == nil {
		return errNilPublisher
	}
	if subject == "" {
		return errEmptyTopic
	}
	if p.jsEnabled && p.isDurableSubject(subject) {
		_, err := p.js.Publish(subject, data)
		return err
	}
	return p.nc.Publish(subject, data)
}

func (p *Publisher) IsConnected() bool {
	return p != nil && p.nc != nil && p.nc.IsConnected()
}

func (p *Publisher) Status() string {
	if p == nil || p.nc == nil {
		return "UNKNOWN"
	}
	return p.nc.Status().String()
}

func (p *Publisher) isDurableSubject(subject string) bool {
	if p.durable == "" {
		return false
	}
	return subject == p.durable || strings.HasPrefix(subject, p.durable+".")
}

func initJetStreamEnabled() bool {
	return parseBool(os.Getenv(envUseJetStream))
}

func (p *Publisher) initJetStreamFromEnv() {
	if p == nil || p.nc == nil || p.durable == "" {
		return
	}
	if !initJetStreamEnabled() {
		return
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := p.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	subjects := streamSubjects(p.durable)
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamAudit,
		Subjects:  subjects,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamAudit); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamAudit, "error", err)
			return
		}
	}
	p.js = js
	p.jsEnabled = true
	logging.Info("bus", "jetstream enabled", "stream", streamAudit, "subjects", strings.Join(subjects, ","), "max_age", maxAge)
}

func streamSubjects(prefix string) []string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil
	}
	return []string{prefix, prefix + ".>"}
}

func natsTLSConfigFromEnv() (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	insecure := parseBool(os.Getenv(envNATSTLSInsecure))
	if caPath == "" && certPath == "" && keyPath == "" && !insecure {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure} // #nosec G402 -- opt-in via env
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", envNATSTLSCA, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s: no certificates found", envNATSTLSCA)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("%s and %s must be set together", envNATSTLSCert, envNATSTLSKey)
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load nats client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
