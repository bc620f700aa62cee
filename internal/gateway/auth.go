package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Authenticator guards the automation path. It accepts either a bearer token
// from a static allow-list, a bearer JWT signed with the shared HMAC secret,
// or basic credentials. The replay path never goes through it.
type Authenticator struct {
	Tokens    []string
	BasicUser string
	BasicPass string
	JWTSecret string
	Skip      bool

	log zerolog.Logger
}

func NewAuthenticator(log zerolog.Logger, tokens []string, basicUser, basicPass, jwtSecret string, skip bool) *Authenticator {
	return &Authenticator{
		Tokens:    tokens,
		BasicUser: basicUser,
		BasicPass: basicPass,
		JWTSecret: jwtSecret,
		Skip:      skip,
		log:       log.With().Str("component", "auth").Logger(),
	}
}

// Authorize reports whether the request may reach the automation path.
func (a *Authenticator) Authorize(r *http.Request) bool {
	if a.Skip {
		return true
	}

	// Browser automation libraries often cannot attach handshake headers, so
	// the token is also accepted as a query parameter.
	if token := r.URL.Query().Get("access_token"); token != "" && a.tokenAllowed(token) {
		return true
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return false
	}

	if token, ok := bearerToken(header); ok {
		if a.tokenAllowed(token) {
			return true
		}
		if a.JWTSecret != "" {
			if err := a.validateJWT(token); err == nil {
				return true
			} else {
				a.log.Debug().Err(err).Msg("jwt rejected")
			}
		}
	}

	if a.BasicUser != "" && a.BasicPass != "" {
		user, pass, ok := r.BasicAuth()
		if ok &&
			subtle.ConstantTimeCompare([]byte(user), []byte(a.BasicUser)) == 1 &&
			subtle.ConstantTimeCompare([]byte(pass), []byte(a.BasicPass)) == 1 {
			return true
		}
	}

	return false
}

func (a *Authenticator) tokenAllowed(token string) bool {
	for _, t := range a.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			return true
		}
	}
	return false
}

func (a *Authenticator) validateJWT(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.JWTSecret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token is invalid")
	}
	return nil
}

// LogStatus announces the effective auth posture once at startup.
func (a *Authenticator) LogStatus() {
	switch {
	case a.Skip:
		a.log.Warn().Msg("authentication disabled (local mode)")
	case len(a.Tokens) > 0 || a.JWTSecret != "":
		a.log.Info().Msg("bearer authentication configured")
	case a.BasicUser != "":
		a.log.Info().Msg("basic authentication configured")
	default:
		a.log.Warn().Msg("no authentication configured, automation path will reject all clients")
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
