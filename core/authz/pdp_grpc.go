package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cordum/cordum-authz/core/infra/schema"
)

// PDPCheckMethod is the unary method a gRPC PDP serves. Request and response are
// google.protobuf.Struct messages.
const PDPCheckMethod = "/authz.pdp.v1.PolicyDecisionPoint/Check"

const envPDPTLSCA = "PDP_TLS_CA"

var grpcCheckSchema = schema.MustCompile("pdp-grpc-check", []byte(`{
  "type": "object",
  "required": ["allowed"],
  "properties": {
    "allowed": {"type": "boolean"},
    "policy_ids": {"type": "array", "items": {"type": "string"}}
  }
}`))

// GRPCPDPClient calls a PDP over gRPC using Struct-typed messages.
type GRPCPDPClient struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// NewGRPCPDPClient connects to addr. TLS is used when PDP_TLS_CA names a CA bundle.
func NewGRPCPDPClient(addr string, timeout time.Duration) (*GRPCPDPClient, error) {
	creds, err := pdpTransportCredentials()
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial pdp: %w", err)
	}
	c := NewGRPCPDPClientWithConn(conn, timeout)
	c.closer = conn.Close
	return c, nil
}

// NewGRPCPDPClientWithConn uses an existing connection; Close leaves it open.
func NewGRPCPDPClientWithConn(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCPDPClient {
	return &GRPCPDPClient{conn: conn, timeout: timeout}
}

// Close releases a connection created by NewGRPCPDPClient.
func (c *GRPCPDPClient) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *GRPCPDPClient) IsAllowed(ctx context.Context, action string, p Principal, r Resource) (PDPDecision, error) {
	ctx, cancel := withPDPTimeout(ctx, c.timeout)
	defer cancel()

	req, err := grpcCheckRequest(requestIDOrNew(ctx), action, p, r)
	if err != nil {
		return PDPDecision{}, &PDPError{Op: "encode", Err: err}
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, PDPCheckMethod, req, resp); err != nil {
		return PDPDecision{}, &PDPError{Op: "check", Err: err}
	}
	return decodeGRPCCheck(resp)
}

func grpcCheckRequest(requestID, action string, p Principal, r Resource) (*structpb.Struct, error) {
	payload := map[string]any{
		"request_id": requestID,
		"action":     action,
		"principal": map[string]any{
			"id":             p.ID,
			"roles":          NormalizeRoles(p.Roles),
			"attr":           orEmpty(p.Attr),
			"policy_version": p.PolicyVersion,
			"scope":          p.Scope,
		},
		"resource": map[string]any{
			"kind":           r.Kind,
			"id":             r.ID,
			"attr":           orEmpty(r.Attr),
			"policy_version": r.PolicyVersion,
			"scope":          r.Scope,
		},
	}
	// structpb only accepts plain JSON types, so typed attribute values go through JSON first.
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return structpb.NewStruct(generic)
}

func decodeGRPCCheck(resp *structpb.Struct) (PDPDecision, error) {
	if resp == nil {
		return PDPDecision{}, malformed("empty response")
	}
	m := resp.AsMap()
	if err := grpcCheckSchema.Validate(m); err != nil {
		return PDPDecision{}, malformed("%v", err)
	}
	dec := PDPDecision{Allowed: m["allowed"].(bool)}
	if ids, ok := m["policy_ids"].([]any); ok {
		for _, id := range ids {
			dec.PolicyIDs = append(dec.PolicyIDs, id.(string))
		}
	}
	return dec, nil
}

func pdpTransportCredentials() (credentials.TransportCredentials, error) {
	caPath := os.Getenv(envPDPTLSCA)
	if caPath == "" {
		return insecure.NewCredentials(), nil
	}
	creds, err := credentials.NewClientTLSFromFile(caPath, "")
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", envPDPTLSCA, err)
	}
	return creds, nil
}
