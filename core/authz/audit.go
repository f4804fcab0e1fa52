package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cordum/cordum-authz/core/infra/logging"
)

// Audit reason tags.
const (
	ReasonCacheHit    = "cache_hit"
	ReasonPDPCheck    = "pdp_check"
	ReasonCircuitOpen = "circuit_open"
	reasonPDPError    = "pdp_error"
)

// RedactionMask replaces the value of any sensitive attribute.
const RedactionMask = "***"

var sensitiveKeys = map[string]struct{}{
	"password": {},
	"token":    {},
	"secret":   {},
	"key":      {},
}

// PDPErrorReason builds the reason tag for a failed PDP call.
func PDPErrorReason(err error) string {
	if err == nil {
		return reasonPDPError
	}
	return fmt.Sprintf("%s: %v", reasonPDPError, err)
}

// DecisionRecord is what the gateway reports for one decision outcome.
type DecisionRecord struct {
	RequestID string
	Principal Principal
	Resource  Resource
	Action    string
	Allowed   bool
	Latency   time.Duration
	Reason    string
	PolicyIDs []string
}

// AuditPrincipal is the redacted principal view in an audit event.
type AuditPrincipal struct {
	ID    string         `json:"id"`
	Roles []string       `json:"roles"`
	Attr  map[string]any `json:"attr"`
}

// AuditResource is the redacted resource view in an audit event.
type AuditResource struct {
	Kind string         `json:"kind"`
	ID   string         `json:"id"`
	Attr map[string]any `json:"attr"`
}

// AuditEvent is the structured record emitted once per decision.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id"`
	Service   string         `json:"service"`
	Tool      string         `json:"tool"`
	Principal AuditPrincipal `json:"principal"`
	Resource  AuditResource  `json:"resource"`
	Action    string         `json:"action"`
	Decision  string         `json:"decision"`
	LatencyMS float64        `json:"latency_ms"`
	Reason    string         `json:"reason"`
	PolicyIDs []string       `json:"policy_ids"`
	Assurance string         `json:"assurance"`
}

// AuditSink delivers audit events somewhere durable.
type AuditSink interface {
	Write(ctx context.Context, event AuditEvent) error
}

// AuditLogger builds redacted events and fans them out to every sink. It never fails the caller.
type AuditLogger struct {
	service string
	sinks   []AuditSink
	now     func() time.Time
}

// NewAuditLogger returns a logger tagging events with service.
func NewAuditLogger(service string, sinks ...AuditSink) *AuditLogger {
	kept := make([]AuditSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &AuditLogger{service: service, sinks: kept, now: time.Now}
}

// LogDecision emits one event for rec. Sink errors and panics are logged and swallowed.
func (l *AuditLogger) LogDecision(ctx context.Context, rec DecisionRecord) {
	if l == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error("audit", "audit event dropped", "panic", r)
		}
	}()
	event := l.buildEvent(rec)
	for _, sink := range l.sinks {
		l.write(ctx, sink, event)
	}
}

func (l *AuditLogger) write(ctx context.Context, sink AuditSink, event AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("audit", "audit sink panicked", "sink", fmt.Sprintf("%T", sink), "panic", r)
		}
	}()
	if err := sink.Write(ctx, event); err != nil {
		logging.Error("audit", "audit sink failed", "sink", fmt.Sprintf("%T", sink), "error", err)
	}
}

func (l *AuditLogger) buildEvent(rec DecisionRecord) AuditEvent {
	decision := "deny"
	if rec.Allowed {
		decision = "allow"
	}
	policyIDs := append([]string{}, rec.PolicyIDs...)
	return AuditEvent{
		Timestamp: l.now().UTC(),
		RequestID: rec.RequestID,
		Service:   l.service,
		Tool:      "pdp",
		Principal: AuditPrincipal{
			ID:    rec.Principal.ID,
			Roles: append([]string{}, rec.Principal.Roles...),
			Attr:  redactMap(rec.Principal.Attr),
		},
		Resource: AuditResource{
			Kind: rec.Resource.Kind,
			ID:   rec.Resource.ID,
			Attr: redactMap(rec.Resource.Attr),
		},
		Action:    rec.Action,
		Decision:  decision,
		LatencyMS: float64(rec.Latency) / float64(time.Millisecond),
		Reason:    rec.Reason,
		PolicyIDs: policyIDs,
		Assurance: rec.Principal.Assurance(),
	}
}

// Redact returns a copy of v with sensitive mapping values masked, descending into nested
// maps and slices. The input is never modified.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = RedactionMask
			} else {
				out[k] = val
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Redact(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactMap(item)
		}
		return out
	default:
		return v
	}
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		if isSensitiveKey(k) {
			out[k] = RedactionMask
			continue
		}
		out[k] = Redact(val)
	}
	return out
}

func isSensitiveKey(k string) bool {
	_, ok := sensitiveKeys[strings.ToLower(k)]
	return ok
}

// SlogAuditSink writes events as structured log records, one JSON line each with a JSON handler.
type SlogAuditSink struct {
	logger *slog.Logger
}

func NewSlogAuditSink(logger *slog.Logger) *SlogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditSink{logger: logger}
}

func (s *SlogAuditSink) Write(ctx context.Context, e AuditEvent) error {
	level := slog.LevelInfo
	if e.Decision != "allow" && e.Reason != ReasonPDPCheck && e.Reason != ReasonCacheHit {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "authorization decision",
		slog.String("event", "authorization_decision"),
		slog.Time("timestamp", e.Timestamp),
		slog.String("request_id", e.RequestID),
		slog.String("service", e.Service),
		slog.String("tool", e.Tool),
		slog.Any("principal", e.Principal),
		slog.Any("resource", e.Resource),
		slog.String("action", e.Action),
		slog.String("decision", e.Decision),
		slog.Float64("latency_ms", e.LatencyMS),
		slog.String("reason", e.Reason),
		slog.Any("policy_ids", e.PolicyIDs),
		slog.String("assurance", e.Assurance),
	)
	return nil
}

// Publisher is the subset of a message bus connection the NATS sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NatsAuditSink publishes each event as JSON on a fixed subject.
type NatsAuditSink struct {
	pub     Publisher
	subject string
}

func NewNatsAuditSink(pub Publisher, subject string) *NatsAuditSink {
	return &NatsAuditSink{pub: pub, subject: subject}
}

func (s *NatsAuditSink) Write(_ context.Context, e AuditEvent) error {
	if s == nil || s.pub == nil {
		return fmt.Errorf("nats audit sink not initialized")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, event AuditEvent) error

func (f AuditSinkFunc) Write(ctx context.Context, event AuditEvent) error {
	return f(ctx, event)
}
