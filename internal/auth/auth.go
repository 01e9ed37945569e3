// Package auth resolves the caller of each entry point: SDK API keys,
// playground session cookies and signed event triggers.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/store"
)

const (
	// APIKeyHeader carries the SDK key. "Authorization: Bearer" works too.
	APIKeyHeader = "Api-Key"
	// SessionCookie holds the playground session JWT.
	SessionCookie = "itzam_session"
	// SignatureHeader carries the event trigger JWT.
	SignatureHeader = "Itzam-Signature"
	// MaxEventLifetime bounds how far in the future an event signature may
	// expire, and so how long a captured signature can be replayed.
	MaxEventLifetime = 5 * time.Minute
)

// HashAPIKey is how keys are stored: hex SHA-256 of the raw key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// BodyDigest is the value of the "body" claim of an event signature.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Authenticator checks credentials.
type Authenticator struct {
	keys          store.APIKeyStore
	sessionSecret []byte
	eventSecret   []byte
	now           func() time.Time
}

func New(keys store.APIKeyStore, sessionSecret, eventSecret string) *Authenticator {
	return &Authenticator{
		keys:          keys,
		sessionSecret: []byte(sessionSecret),
		eventSecret:   []byte(eventSecret),
		now:           time.Now,
	}
}

func (a *Authenticator) parserOpts() []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
}

// APIKey returns the owner of the request's API key.
func (a *Authenticator) APIKey(ctx context.Context, r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
	if key == "" {
		key = bearerToken(r.Header.Get("Authorization"))
	}
	if key == "" {
		return "", apperr.Unauthorized("missing API key")
	}
	owner, err := a.keys.OwnerForKeyHash(ctx, HashAPIKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return "", apperr.Unauthorized("invalid API key")
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

// Session returns the user of the request's session cookie.
func (a *Authenticator) Session(r *http.Request) (string, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return "", apperr.Unauthorized("missing session")
	}
	var claims jwt.RegisteredClaims
	opts := append(a.parserOpts(), jwt.WithExpirationRequired())
	_, err = jwt.ParseWithClaims(c.Value, &claims, a.key(a.sessionSecret), opts...)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeUnauthorized, err, "invalid session")
	}
	if claims.Subject == "" {
		return "", apperr.Unauthorized("session has no subject")
	}
	return claims.Subject, nil
}

// EventClaims are the claims of an event signature. Exp is required and
// must fall within MaxEventLifetime of the time of verification.
type EventClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// VerifyEvent checks that the signature header is a valid, unexpired JWT
// whose body claim matches the raw request body.
func (a *Authenticator) VerifyEvent(r *http.Request, body []byte) error {
	tok := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if tok == "" {
		return apperr.Unauthorized("missing %s header", SignatureHeader)
	}
	var claims EventClaims
	opts := append(a.parserOpts(), jwt.WithExpirationRequired())
	if _, err := jwt.ParseWithClaims(tok, &claims, a.key(a.eventSecret), opts...); err != nil {
		return apperr.Wrap(apperr.CodeUnauthorized, err, "invalid event signature")
	}
	if claims.ExpiresAt.After(a.now().Add(MaxEventLifetime)) {
		return apperr.Unauthorized("event signature expires more than %s ahead", MaxEventLifetime)
	}
	if subtle.ConstantTimeCompare([]byte(claims.Body), []byte(BodyDigest(body))) != 1 {
		return apperr.Unauthorized("event signature does not match body")
	}
	return nil
}

func (a *Authenticator) key(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return secret, nil }
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type ownerKey struct{}

// WithOwner stores the authenticated owner id in ctx.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFrom returns the authenticated owner id, or "".
func OwnerFrom(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}
