// Package identity resolves the calling principal of an HTTP request.
//
// Identity is established by a Resolver and carried on the request context;
// the rest of the service only ever sees an opaque principal id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3askar/drive/internal/files"
	"github.com/3askar/drive/internal/logging/audit"
)

var (
	// ErrNoCredentials means the request carried no identity at all.
	ErrNoCredentials = errors.New("no credentials")
	// ErrInvalidCredentials means credentials were present but rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// DefaultHeader is the trusted header read by HeaderResolver.
const DefaultHeader = "X-Drive-User"

// Resolver extracts a principal id from a request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
	Method() string
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying principal.
func NewContext(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, contextKey{}, principal)
}

// FromContext returns the principal attached by Middleware, if any.
func FromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(contextKey{}).(string)
	return p, ok && p != ""
}

// JWTResolver accepts HS256 bearer tokens whose subject is the principal id.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver creates a resolver. An empty issuer disables the issuer
// check.
func NewJWTResolver(secret []byte, issuer string) *JWTResolver {
	return &JWTResolver{secret: secret, issuer: issuer}
}

func (j *JWTResolver) Method() string { return "jwt" }

func (j *JWTResolver) Resolve(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoCredentials
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidCredentials)
	}
	return j.Verify(parts[1])
}

// Verify parses a raw token and returns its subject.
func (j *JWTResolver) Verify(raw string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if err := files.ValidatePrincipal(sub); err != nil {
		return "", fmt.Errorf("%w: subject: %v", ErrInvalidCredentials, err)
	}
	return sub, nil
}

// IssueToken mints a token for principal. A zero ttl produces a token
// without expiry.
func IssueToken(secret []byte, issuer, principal string, ttl time.Duration) (string, error) {
	if err := files.ValidatePrincipal(principal); err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  principal,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// HeaderResolver trusts a header set by an authenticating reverse proxy.
type HeaderResolver struct {
	header string
}

// NewHeaderResolver reads principals from header (DefaultHeader if empty).
func NewHeaderResolver(header string) *HeaderResolver {
	if header == "" {
		header = DefaultHeader
	}
	return &HeaderResolver{header: header}
}

func (h *HeaderResolver) Method() string { return "header" }

func (h *HeaderResolver) Resolve(r *http.Request) (string, error) {
	v := strings.TrimSpace(r.Header.Get(h.header))
	if v == "" {
		return "", ErrNoCredentials
	}
	if err := files.ValidatePrincipal(v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return v, nil
}

// Middleware resolves the caller and attaches the principal to the request
// context. Requests without valid credentials continue anonymously; handlers
// that need a caller reject them.
func Middleware(resolver Resolver, auditLog *audit.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := resolver.Resolve(r)
		switch {
		case errors.Is(err, ErrNoCredentials):
		case err != nil:
			auditLog.LogAuth("", resolver.Method(), audit.ResultDenied, err.Error(), sourceIP(r))
		default:
			r = r.WithContext(NewContext(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
