package gateway

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(t *testing.T, header string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, "http://example/roverfox", nil)
	require.NoError(t, err)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestAuthorizeBearerAllowList(t *testing.T) {
	a := NewAuthenticator(zerolog.Nop(), []string{"tok-1", "tok-2"}, "", "", "", false)

	assert.True(t, a.Authorize(request(t, "Bearer tok-1")))
	assert.True(t, a.Authorize(request(t, "bearer tok-2")), "scheme is case-insensitive")
	assert.False(t, a.Authorize(request(t, "Bearer nope")))
	assert.False(t, a.Authorize(request(t, "")))
	assert.False(t, a.Authorize(request(t, "Bearer ")))
}

func TestAuthorizeBasic(t *testing.T) {
	a := NewAuthenticator(zerolog.Nop(), nil, "admin", "s3cret", "", false)

	creds := base64.StdEncoding.EncodeToString([]byte("admin:s3cret"))
	assert.True(t, a.Authorize(request(t, "Basic "+creds)))

	bad := base64.StdEncoding.EncodeToString([]byte("admin:wrong"))
	assert.False(t, a.Authorize(request(t, "Basic "+bad)))
	assert.False(t, a.Authorize(request(t, "Basic not-base64!!")))
}

func TestAuthorizeBasicPasswordMayContainColons(t *testing.T) {
	a := NewAuthenticator(zerolog.Nop(), nil, "admin", "pa:ss:wd", "", false)
	creds := base64.StdEncoding.EncodeToString([]byte("admin:pa:ss:wd"))
	assert.True(t, a.Authorize(request(t, "Basic "+creds)))
}

func TestAuthorizeJWT(t *testing.T) {
	const secret = "shared-hmac-secret"
	a := NewAuthenticator(zerolog.Nop(), nil, "", "", secret, false)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	assert.True(t, a.Authorize(request(t, "Bearer "+signed)))

	// Wrong secret must fail.
	forged, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	assert.False(t, a.Authorize(request(t, "Bearer "+forged)))

	// Expired token must fail.
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signedExpired, err := expired.SignedString([]byte(secret))
	require.NoError(t, err)
	assert.False(t, a.Authorize(request(t, "Bearer "+signedExpired)))
}

func TestAuthorizeQueryToken(t *testing.T) {
	a := NewAuthenticator(zerolog.Nop(), []string{"tok-1"}, "", "", "", false)

	r, err := http.NewRequest(http.MethodGet, "http://example/roverfox?access_token=tok-1", nil)
	require.NoError(t, err)
	assert.True(t, a.Authorize(r))

	r, err = http.NewRequest(http.MethodGet, "http://example/roverfox?access_token=bad", nil)
	require.NoError(t, err)
	assert.False(t, a.Authorize(r))
}

func TestAuthorizeSkip(t *testing.T) {
	a := NewAuthenticator(zerolog.Nop(), nil, "", "", "", true)
	assert.True(t, a.Authorize(request(t, "")))
}
