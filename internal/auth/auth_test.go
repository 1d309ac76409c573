package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestIssueThenAuthenticate(t *testing.T) {
	a, err := New("s3cret", time.Hour)
	require.NoError(t, err)

	tok, exp, err := a.Issue(models.Principal{ID: "d1", Role: models.RoleDriver})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	p, err := a.Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, models.Principal{ID: "d1", Role: models.RoleDriver}, p)
}

func TestAuthenticateRejects(t *testing.T) {
	a, err := New("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := New("different", time.Hour)
	require.NoError(t, err)

	foreign, _, err := other.Issue(models.Principal{ID: "p1", Role: models.RolePassenger})
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	old, err := New("s3cret", time.Hour)
	require.NoError(t, err)
	expired, _, err := old.WithClock(func() time.Time { return past }).Issue(models.Principal{ID: "p1", Role: models.RolePassenger})
	require.NoError(t, err)

	noneTok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, &Claims{
		Role: models.RoleAdmin,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "root",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	badRole, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, &Claims{
		Role: "pilot",
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "x",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	noExp, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, &Claims{
		Role:             models.RoleDriver,
		RegisteredClaims: jwtlib.RegisteredClaims{Issuer: issuer, Subject: "x"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":       "",
		"garbage":     "not-a-jwt",
		"wrong key":   foreign,
		"expired":     expired,
		"alg none":    noneTok,
		"bad role":    badRole,
		"missing exp": noExp,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(tok)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidCredential)
		})
	}
}

func TestIssueValidatesPrincipal(t *testing.T) {
	a, err := New("s3cret", 0)
	require.NoError(t, err)
	_, _, err = a.Issue(models.Principal{ID: "", Role: models.RoleDriver})
	assert.Error(t, err)
	_, _, err = a.Issue(models.Principal{ID: "x", Role: "pilot"})
	assert.Error(t, err)

	_, err = New("  ", time.Hour)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	tok, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	tok, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	_, err = TokenFromRequest(r)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	r = httptest.NewRequest("GET", "/ws", nil)
	_, err = TokenFromRequest(r)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
}
