package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cordum/cordum-authz/core/infra/schema"
)

const (
	checkResourcesPath = "/api/check/resources"
	effectAllow        = "EFFECT_ALLOW"
	effectDeny         = "EFFECT_DENY"
	maxPDPResponseSize = 1 << 20
)

var checkResourcesSchema = schema.MustCompile("pdp-check-resources", []byte(`{
  "type": "object",
  "required": ["results"],
  "properties": {
    "results": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["actions"],
        "properties": {
          "actions": {
            "type": "object",
            "additionalProperties": {"enum": ["EFFECT_ALLOW", "EFFECT_DENY"]}
          },
          "meta": {
            "type": "object",
            "properties": {
              "actions": {
                "type": "object",
                "additionalProperties": {
                  "type": "object",
                  "properties": {"matchedPolicy": {"type": "string"}}
                }
              }
            }
          }
        }
      }
    }
  }
}`))

// HTTPPDPClient talks to a Cerbos-compatible PDP over its JSON check API.
type HTTPPDPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPPDPClient targets baseURL (e.g. http://cerbos:3592). A nil client uses a default one.
func NewHTTPPDPClient(baseURL string, timeout time.Duration, client *http.Client) *HTTPPDPClient {
	if client == nil {
		client = &http.Client{}
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &HTTPPDPClient{baseURL: base, client: client, timeout: timeout}
}

type checkPrincipal struct {
	ID            string         `json:"id"`
	Roles         []string       `json:"roles"`
	Attr          map[string]any `json:"attr,omitempty"`
	PolicyVersion string         `json:"policyVersion,omitempty"`
	Scope         string         `json:"scope,omitempty"`
}

type checkResource struct {
	Kind          string         `json:"kind"`
	ID            string         `json:"id"`
	Attr          map[string]any `json:"attr,omitempty"`
	PolicyVersion string         `json:"policyVersion,omitempty"`
	Scope         string         `json:"scope,omitempty"`
}

type checkEntry struct {
	Actions  []string      `json:"actions"`
	Resource checkResource `json:"resource"`
}

type checkResourcesRequest struct {
	RequestID   string         `json:"requestId"`
	Principal   checkPrincipal `json:"principal"`
	Resources   []checkEntry   `json:"resources"`
	IncludeMeta bool           `json:"includeMeta"`
}

type checkResourcesResponse struct {
	Results []struct {
		Actions map[string]string `json:"actions"`
		Meta    struct {
			Actions map[string]struct {
				MatchedPolicy string `json:"matchedPolicy"`
			} `json:"actions"`
		} `json:"meta"`
	} `json:"results"`
}

func (c *HTTPPDPClient) IsAllowed(ctx context.Context, action string, p Principal, r Resource) (PDPDecision, error) {
	ctx, cancel := withPDPTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(checkResourcesRequest{
		RequestID: requestIDOrNew(ctx),
		Principal: checkPrincipal{
			ID:            p.ID,
			Roles:         NormalizeRoles(p.Roles),
			Attr:          p.Attr,
			PolicyVersion: p.PolicyVersion,
			Scope:         p.Scope,
		},
		Resources: []checkEntry{{
			Actions: []string{action},
			Resource: checkResource{
				Kind:          r.Kind,
				ID:            r.ID,
				Attr:          r.Attr,
				PolicyVersion: r.PolicyVersion,
				Scope:         r.Scope,
			},
		}},
		IncludeMeta: true,
	})
	if err != nil {
		return PDPDecision{}, &PDPError{Op: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+checkResourcesPath, bytes.NewReader(body))
	if err != nil {
		return PDPDecision{}, &PDPError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return PDPDecision{}, &PDPError{Op: "check", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPDPResponseSize))
	if err != nil {
		return PDPDecision{}, &PDPError{Op: "read", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return PDPDecision{}, &PDPError{Op: "check", Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}
	return decodeCheckResources(raw, action)
}

func decodeCheckResources(raw []byte, action string) (PDPDecision, error) {
	if err := checkResourcesSchema.Validate(raw); err != nil {
		return PDPDecision{}, malformed("%v", err)
	}
	var out checkResourcesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return PDPDecision{}, malformed("%v", err)
	}
	result := out.Results[0]
	effect, ok := result.Actions[action]
	if !ok {
		return PDPDecision{}, malformed("no effect for action %q", action)
	}
	dec := PDPDecision{Allowed: effect == effectAllow}
	if meta, ok := result.Meta.Actions[action]; ok && meta.MatchedPolicy != "" {
		dec.PolicyIDs = []string{meta.MatchedPolicy}
	}
	return dec, nil
}
