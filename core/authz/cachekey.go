package authz

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CacheKeyPrefix namespaces decision entries in the shared cache.
const CacheKeyPrefix = "authz:decision:"

// CacheKey derives the cache key for (principal, resource, action). Attribute map ordering and
// role order do not affect the result.
func CacheKey(p Principal, r Resource, action string) string {
	payload := map[string]any{
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
		"action": action,
	}
	encoded := canonicalJSON(payload)
	sum := sha256.Sum256(encoded)
	return CacheKeyPrefix + hex.EncodeToString(sum[:])
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func canonicalJSON(value any) []byte {
	var buf bytes.Buffer
	appendCanonical(&buf, value)
	return buf.Bytes()
}

func appendCanonical(buf *bytes.Buffer, value any) {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]any:
		appendCanonicalMap(buf, v)
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		appendCanonicalMap(buf, out)
	case []any:
		appendCanonicalSlice(buf, v)
	case []string:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = val
		}
		appendCanonicalSlice(buf, out)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			// Channels, funcs and the like still need a stable key.
			encoded, _ = json.Marshal(fmt.Sprintf("%v", v))
		}
		buf.Write(encoded)
	}
}

func appendCanonicalMap(buf *bytes.Buffer, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, _ := json.Marshal(k)
		buf.Write(keyBytes)
		buf.WriteByte(':')
		appendCanonical(buf, m[k])
	}
	buf.WriteByte('}')
}

func appendCanonicalSlice(buf *bytes.Buffer, items []any) {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		appendCanonical(buf, item)
	}
	buf.WriteByte(']')
}

// TTLPolicy maps resource sensitivity to a cache lifetime.
type TTLPolicy struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
}

// DefaultTTLPolicy is 30s for high, 60s for medium, 300s for low sensitivity.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{High: 30 * time.Second, Medium: 60 * time.Second, Low: 300 * time.Second}
}

// For returns the TTL for r. Missing or unrecognized sensitivity is treated as medium.
func (t TTLPolicy) For(r Resource) time.Duration {
	switch r.Sensitivity() {
	case "high":
		return t.High
	case "low":
		return t.Low
	default:
		return t.Medium
	}
}
