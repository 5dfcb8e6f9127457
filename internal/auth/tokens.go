package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every way a presented token can fail: bad
// signature, expired, malformed, or missing its subject.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the token body. The user id doubles as the registered
// subject so generic JWT tooling displays something useful.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// TokenAuth issues and verifies the signed tokens that bind a websocket
// connection to a user for its whole lifetime.
type TokenAuth struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenAuth creates a token authority. The secret must be non-empty;
// ttl caps how long an issued token stays usable.
func NewTokenAuth(secret string, ttl time.Duration) (*TokenAuth, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &TokenAuth{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a token for the given user.
func (t *TokenAuth) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks a raw token and returns the user it was issued to.
func (t *TokenAuth) Verify(raw string) (string, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", ErrInvalidToken
	}

	return userID, nil
}

// TokenFromRequest pulls the raw token from a request: the standard
// bearer header when the caller can set headers, otherwise the "token"
// query parameter, which is all a browser websocket client has.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}

	return r.URL.Query().Get("token")
}
