package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenMissing is returned when no credential was presented.
	ErrTokenMissing = errors.New("token missing")
	// ErrInvalidToken covers bad signatures, malformed tokens and expiry.
	ErrInvalidToken = errors.New("invalid or expired")
	// ErrWrongTokenType is returned for validly signed non-access tokens.
	ErrWrongTokenType = errors.New("wrong token type")
)

// Token types issued by the auth flow.
const (
	TypeAccess      = "access"
	TypeRefresh     = "refresh"
	TypeVerifyEmail = "verify_email"
)

// Subprotocol is the websocket subprotocol that carries an access token as
// the second offered value: "Sec-WebSocket-Protocol: access_token, <jwt>".
const Subprotocol = "access_token"

// Identity is the authenticated principal attached to a connection or request.
type Identity struct {
	UserID   string
	Username string
	Email    string
}

// Claims is the JWT claim set.
type Claims struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

// Authenticator validates and issues HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator builds an Authenticator. A nil clock means time.Now.
func NewAuthenticator(secret, issuer string, now func() time.Time) *Authenticator {
	if now == nil {
		now = time.Now
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: now}
}

// Authenticate validates a raw token and returns the identity it carries.
func (a *Authenticator) Authenticate(raw string) (Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return Identity{}, ErrTokenMissing
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Type != TypeAccess {
		return Identity{}, ErrWrongTokenType
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: claims.Subject, Username: claims.Username, Email: claims.Email}, nil
}

// Sign issues a token of the given type for the subject.
func (a *Authenticator) Sign(subject, username, tokenType string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		Type:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ExtractToken finds the credential on an incoming request. Sources are tried
// in order: Authorization bearer header, websocket subprotocol, token query param.
func ExtractToken(r *http.Request) (string, error) {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token, nil
	}
	if token, ok := subprotocolToken(r.Header.Values("Sec-WebSocket-Protocol")); ok {
		return token, nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", ErrTokenMissing
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func subprotocolToken(values []string) (string, bool) {
	var offered []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				offered = append(offered, part)
			}
		}
	}
	for i := 0; i+1 < len(offered); i++ {
		if offered[i] == Subprotocol {
			return offered[i+1], true
		}
	}
	return "", false
}
