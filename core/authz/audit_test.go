package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Write(_ context.Context, e AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) all() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return f.err
}

func TestRedactNested(t *testing.T) {
	in := map[string]any{
		"password": "x",
		"nested":   map[string]any{"token": "y", "keep": "z"},
		"list":     []any{map[string]any{"Secret": "s"}, "plain"},
		"API":      "visible",
		"KEY":      "k",
		"headers":  map[string]string{"Token": "t", "accept": "json"},
	}
	out := Redact(in).(map[string]any)

	if out["password"] != RedactionMask || out["KEY"] != RedactionMask {
		t.Fatalf("expected top-level masking, got %v", out)
	}
	nested := out["nested"].(map[string]any)
	if nested["token"] != RedactionMask || nested["keep"] != "z" {
		t.Fatalf("unexpected nested redaction: %v", nested)
	}
	list := out["list"].([]any)
	if list[0].(map[string]any)["Secret"] != RedactionMask || list[1] != "plain" {
		t.Fatalf("unexpected list redaction: %v", list)
	}
	headers := out["headers"].(map[string]any)
	if headers["Token"] != RedactionMask || headers["accept"] != "json" {
		t.Fatalf("unexpected string map redaction: %v", headers)
	}
	if out["API"] != "visible" {
		t.Fatalf("expected non-sensitive key untouched")
	}
	if in["password"] != "x" || in["nested"].(map[string]any)["token"] != "y" {
		t.Fatalf("redaction must not modify the input")
	}
}

func TestAuditLoggerBuildsEvent(t *testing.T) {
	sink := &recordingSink{}
	logger := NewAuditLogger("cordum-authz", sink, nil)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	logger.now = func() time.Time { return fixed }

	logger.LogDecision(context.Background(), DecisionRecord{
		RequestID: "req-1",
		Principal: Principal{ID: "alice", Roles: []string{"user"}, Attr: map[string]any{"password": "x", "assurance_level": "high"}},
		Resource:  Resource{Kind: "document", ID: "d1", Attr: map[string]any{"nested": map[string]any{"token": "y"}}},
		Action:    "read",
		Allowed:   true,
		Latency:   1500 * time.Microsecond,
		Reason:    ReasonPDPCheck,
		PolicyIDs: []string{"p1"},
	})

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	e := events[0]
	if e.Decision != "allow" || e.Reason != ReasonPDPCheck || e.LatencyMS != 1.5 {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.Service != "cordum-authz" || e.Tool != "pdp" || e.RequestID != "req-1" || !e.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if e.Principal.Attr["password"] != RedactionMask {
		t.Fatalf("principal attr not redacted: %v", e.Principal.Attr)
	}
	if e.Resource.Attr["nested"].(map[string]any)["token"] != RedactionMask {
		t.Fatalf("resource attr not redacted: %v", e.Resource.Attr)
	}
	if e.Assurance != AssuranceHigh || len(e.PolicyIDs) != 1 {
		t.Fatalf("unexpected assurance/policies: %+v", e)
	}
}

func TestAuditLoggerSwallowsSinkFailures(t *testing.T) {
	good := &recordingSink{}
	failing := AuditSinkFunc(func(context.Context, AuditEvent) error { return errors.New("sink down") })
	panicking := AuditSinkFunc(func(context.Context, AuditEvent) error { panic("boom") })
	logger := NewAuditLogger("svc", failing, panicking, good)

	logger.LogDecision(context.Background(), DecisionRecord{Action: "read", Reason: ReasonCacheHit})
	if len(good.all()) != 1 {
		t.Fatalf("expected later sinks to still receive the event")
	}

	var nilLogger *AuditLogger
	nilLogger.LogDecision(context.Background(), DecisionRecord{})
}

func TestAuditLoggerPolicyIDsNeverNull(t *testing.T) {
	sink := &recordingSink{}
	NewAuditLogger("svc", sink).LogDecision(context.Background(), DecisionRecord{Reason: ReasonCircuitOpen})
	data, err := json.Marshal(sink.all()[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"policy_ids":[]`)) || !bytes.Contains(data, []byte(`"decision":"deny"`)) {
		t.Fatalf("unexpected json: %s", data)
	}
	if !bytes.Contains(data, []byte(`"assurance":"none"`)) {
		t.Fatalf("expected assurance none for empty principal: %s", data)
	}
}

func TestSlogAuditSinkJSON(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogAuditSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	logger := NewAuditLogger("svc", sink)
	logger.LogDecision(context.Background(), DecisionRecord{
		RequestID: "req-9",
		Principal: Principal{ID: "bob", Attr: map[string]any{"secret": "s"}},
		Resource:  Resource{Kind: "calendar", ID: "c1"},
		Action:    "view",
		Reason:    PDPErrorReason(errors.New("connection refused")),
	})

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if line["event"] != "authorization_decision" || line["request_id"] != "req-9" || line["decision"] != "deny" {
		t.Fatalf("unexpected record: %v", line)
	}
	if line["reason"] != "pdp_error: connection refused" || line["level"] != "WARN" {
		t.Fatalf("unexpected reason/level: %v", line)
	}
	principal := line["principal"].(map[string]any)
	if principal["attr"].(map[string]any)["secret"] != RedactionMask {
		t.Fatalf("expected redacted principal in log: %v", principal)
	}
}

func TestNatsAuditSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNatsAuditSink(pub, "authz.audit.decision")
	event := AuditEvent{RequestID: "req-3", Decision: "allow", Reason: ReasonCacheHit, PolicyIDs: []string{}}
	if err := sink.Write(context.Background(), event); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pub.subject != "authz.audit.decision" {
		t.Fatalf("unexpected subject %q", pub.subject)
	}
	var decoded AuditEvent
	if err := json.Unmarshal(pub.data, &decoded); err != nil || decoded.RequestID != "req-3" {
		t.Fatalf("unexpected payload %s: %v", pub.data, err)
	}

	pub.err = errors.New("no responders")
	if err := sink.Write(context.Background(), event); err == nil {
		t.Fatalf("expected publish error to surface from the sink")
	}
	if err := NewNatsAuditSink(nil, "x").Write(context.Background(), event); err == nil {
		t.Fatalf("expected error for nil publisher")
	}
}

func TestPDPErrorReason(t *testing.T) {
	if got := PDPErrorReason(nil); got != "pdp_error" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := PDPErrorReason(&PDPError{Op: "check", Err: errors.New("eof")}); got != "pdp_error: pdp check: eof" {
		t.Fatalf("unexpected reason %q", got)
	}
}
