package authz

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"google.golang.org/grpc/metadata"

	"github.com/cordum/cordum-authz/core/infra/logging"
)

// Resolution modes.
const (
	ModeJWT        = "jwt"
	ModeIntrospect = "introspect"
)

// Fallback policies applied when a bearer token cannot be verified.
const (
	FallbackDeny          = "deny"
	FallbackAllowWithLogs = "allow_with_logs"
)

const (
	headerAuthorization = "authorization"
	headerUserID        = "x-user-id"
	headerUserRole      = "x-user-role"
	defaultJWTLeeway    = 30 * time.Second
)

var (
	allowedJWTAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.HS256}

	// Claims handled explicitly or meaningless as attributes.
	reservedClaims = map[string]struct{}{"sub": {}, "roles": {}, "exp": {}, "iat": {}, "aud": {}}

	errNoVerificationKey = errors.New("no jwt verification key configured in production")
)

// Metadata is the transport metadata of one inbound call. Keys are lowercase.
type Metadata map[string]string

// Get returns the value for key, matched case-insensitively.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[strings.ToLower(key)]
}

// MetadataFromHTTP collects request headers. The first value wins for repeated headers.
func MetadataFromHTTP(r *http.Request) Metadata {
	if r == nil {
		return nil
	}
	md := make(Metadata, len(r.Header))
	for k, vals := range r.Header {
		if len(vals) > 0 {
			md[strings.ToLower(k)] = vals[0]
		}
	}
	return md
}

// MetadataFromGRPC collects incoming gRPC metadata from ctx.
func MetadataFromGRPC(ctx context.Context) Metadata {
	in, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	md := make(Metadata, len(in))
	for k, vals := range in {
		if len(vals) > 0 {
			md[strings.ToLower(k)] = vals[0]
		}
	}
	return md
}

// ResolverConfig configures principal resolution.
type ResolverConfig struct {
	Mode         string
	JWTKey       string
	FallbackMode string
	Production   bool
	Leeway       time.Duration
}

// Resolver turns transport metadata into a Principal.
type Resolver struct {
	mode       string
	key        any
	fallback   string
	production bool
	leeway     time.Duration
	now        func() time.Time
}

// NewResolver parses the verification key up front so a bad key fails at startup instead of
// on every request.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	r := &Resolver{
		mode:       strings.ToLower(strings.TrimSpace(cfg.Mode)),
		fallback:   strings.ToLower(strings.TrimSpace(cfg.FallbackMode)),
		production: cfg.Production,
		leeway:     cfg.Leeway,
		now:        time.Now,
	}
	if r.fallback == "" {
		r.fallback = FallbackDeny
	}
	if r.leeway <= 0 {
		r.leeway = defaultJWTLeeway
	}
	if strings.TrimSpace(cfg.JWTKey) != "" {
		key, err := parseVerificationKey(cfg.JWTKey)
		if err != nil {
			return nil, fmt.Errorf("jwt verification key: %w", err)
		}
		r.key = key
	}
	return r, nil
}

// Resolve never fails. Without usable metadata it returns the default local principal.
func (r *Resolver) Resolve(md Metadata) Principal {
	if r == nil || md == nil {
		return DefaultPrincipal()
	}
	switch r.mode {
	case ModeIntrospect:
		return r.fromHeaders(md)
	case ModeJWT:
		return r.fromBearer(md)
	default:
		return DefaultPrincipal()
	}
}

func (r *Resolver) fromHeaders(md Metadata) Principal {
	p := DefaultPrincipal()
	if id := strings.TrimSpace(md.Get(headerUserID)); id != "" {
		p.ID = id
		p.Attr[attrSource] = SourceHeader
		p.Attr[attrAssurance] = AssuranceMedium
	}
	if raw := md.Get(headerUserRole); raw != "" {
		if roles := NormalizeRoles(strings.Split(raw, ",")); len(roles) > 0 {
			p.Roles = roles
		}
	}
	logging.Debug("principal", "resolved from headers", "id", p.ID, "roles", strings.Join(p.Roles, ","))
	return p
}

func (r *Resolver) fromBearer(md Metadata) Principal {
	token, ok := bearerToken(md.Get(headerAuthorization))
	if !ok {
		return DefaultPrincipal()
	}
	p, err := r.principalFromJWT(token)
	if err == nil {
		logging.Debug("principal", "resolved from jwt", "id", p.ID, "assurance", p.Assurance())
		return p
	}
	logging.Warn("principal", "jwt verification failed", "error", err)
	if r.fallback == FallbackAllowWithLogs {
		logging.Warn("principal", "continuing with default local principal", "fallback", r.fallback)
		return DefaultPrincipal()
	}
	return AnonymousPrincipal(err.Error())
}

func (r *Resolver) principalFromJWT(raw string) (Principal, error) {
	tok, err := jwt.ParseSigned(raw, allowedJWTAlgorithms)
	if err != nil {
		return Principal{}, fmt.Errorf("parse token: %w", err)
	}
	var (
		std       jwt.Claims
		claims    map[string]any
		assurance string
	)
	switch {
	case r.key != nil:
		if err := tok.Claims(r.key, &std, &claims); err != nil {
			return Principal{}, fmt.Errorf("verify token: %w", err)
		}
		assurance = AssuranceHigh
	case r.production:
		return Principal{}, errNoVerificationKey
	default:
		logging.Warn("principal", "decoding jwt without signature verification")
		if err := tok.UnsafeClaimsWithoutVerification(&std, &claims); err != nil {
			return Principal{}, fmt.Errorf("decode token: %w", err)
		}
		assurance = AssuranceLow
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Time: r.now()}, r.leeway); err != nil {
		return Principal{}, fmt.Errorf("validate claims: %w", err)
	}

	p := DefaultPrincipal()
	if std.Subject != "" {
		p.ID = std.Subject
	}
	if roles, ok := rolesClaim(claims["roles"]); ok {
		p.Roles = roles
	}
	for k, v := range claims {
		if _, skip := reservedClaims[k]; skip {
			continue
		}
		p.Attr[k] = v
	}
	p.Attr[attrSource] = SourceJWT
	p.Attr[attrAssurance] = assurance
	return p, nil
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

func rolesClaim(v any) ([]string, bool) {
	switch t := v.(type) {
	case string:
		if roles := NormalizeRoles([]string{t}); len(roles) > 0 {
			return roles, true
		}
	case []any:
		raw := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
		if roles := NormalizeRoles(raw); len(roles) > 0 {
			return roles, true
		}
	}
	return nil, false
}

// parseVerificationKey accepts a PEM public key or certificate; anything else is an HMAC secret.
func parseVerificationKey(raw string) (any, error) {
	data := []byte(strings.TrimSpace(raw))
	block, _ := pem.Decode(data)
	if block == nil {
		return data, nil
	}
	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported pem block %q", block.Type)
	}
}
