package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultTTL is the validity window of issued tokens.
const DefaultTTL = 7 * 24 * time.Hour

const issuer = "ride-dispatch"

// Claims is the token payload: subject is the principal id.
type Claims struct {
	Role models.Role `json:"role"`
	jwtlib.RegisteredClaims
}

var _ jwtlib.Claims = (*Claims)(nil)

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret string, ttl time.Duration) (*Authenticator, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return nil, errors.New("auth: empty secret")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authenticator{secret: []byte(s), ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the time source, used by tests to age tokens.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// Issue signs a token for p valid for the configured window.
func (a *Authenticator) Issue(p models.Principal) (string, time.Time, error) {
	if strings.TrimSpace(p.ID) == "" {
		return "", time.Time{}, fmt.Errorf("auth: empty principal id")
	}
	if !p.Role.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: invalid role %q", p.Role)
	}
	now := a.now().UTC()
	exp := now.Add(a.ttl)
	claims := &Claims{
		Role: p.Role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   p.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Authenticate verifies signature, algorithm, expiry and role and resolves the
// token to a principal. Every failure wraps models.ErrInvalidCredential.
func (a *Authenticator) Authenticate(token string) (models.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Principal{}, fmt.Errorf("%w: empty token", models.ErrInvalidCredential)
	}
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithTimeFunc(a.now),
	)
	claims := &Claims{}
	tkn, err := parser.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return models.Principal{}, fmt.Errorf("%w: %v", models.ErrInvalidCredential, err)
	}
	if !tkn.Valid {
		return models.Principal{}, fmt.Errorf("%w: token not valid", models.ErrInvalidCredential)
	}
	if claims.Subject == "" {
		return models.Principal{}, fmt.Errorf("%w: missing subject", models.ErrInvalidCredential)
	}
	if !claims.Role.Valid() {
		return models.Principal{}, fmt.Errorf("%w: unknown role %q", models.ErrInvalidCredential, claims.Role)
	}
	return models.Principal{ID: claims.Subject, Role: claims.Role}, nil
}

// TokenFromRequest reads "Authorization: Bearer <token>", falling back to the
// token query parameter that browser WebSocket clients have to use.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
			return "", fmt.Errorf("%w: malformed authorization header", models.ErrInvalidCredential)
		}
		return strings.TrimSpace(tok), nil
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return strings.TrimPrefix(q, "Bearer "), nil
	}
	return "", fmt.Errorf("%w: missing bearer token", models.ErrInvalidCredential)
}
