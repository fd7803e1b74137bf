package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"propertyescrow/crypto"
)

const defaultClockSkew = 2 * time.Minute

// authenticator resolves the caller identity of a request from an HMAC signed
// bearer token. The "sub" claim carries the caller's bech32 address.
type authenticator struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

func newAuthenticator(secret string) (*authenticator, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("rpc: jwt secret required")
	}
	return &authenticator{secret: []byte(trimmed), skew: defaultClockSkew, now: time.Now}, nil
}

// caller returns the raw identity named by the request's bearer token.
func (a *authenticator) caller(r *http.Request) ([20]byte, error) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return [20]byte{}, errors.New("missing bearer token")
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.skew), jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil {
		return [20]byte{}, err
	}
	if !parsed.Valid {
		return [20]byte{}, errors.New("token invalid")
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return [20]byte{}, errors.New("token subject required")
	}
	caller, err := crypto.ParseRaw(subject)
	if err != nil {
		return [20]byte{}, fmt.Errorf("token subject: %w", err)
	}
	return caller, nil
}

// SignToken issues a bearer token naming subject as the caller. It is used by
// the CLI and by tests.
func SignToken(secret string, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("rpc: jwt secret required")
	}
	if _, err := crypto.ParseRaw(subject); err != nil {
		return "", fmt.Errorf("rpc: subject: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(strings.TrimSpace(secret)))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
