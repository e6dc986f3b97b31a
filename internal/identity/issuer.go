// Package identity issues and obtains the anonymous session identifier
// that every client action is attributed to.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var ErrInvalidToken = errors.New("invalid session token")

type Identity struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Issuer mints session identities as HS256 tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewIssuer creates an issuer. A zero ttl issues tokens without expiry.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		nowFn:  time.Now,
	}
}

func (i *Issuer) Issue() (Identity, error) {
	sessionID, err := gonanoid.New(16)
	if err != nil {
		return Identity{}, fmt.Errorf("generate session id: %w", err)
	}

	now := i.nowFn()
	claims := jwt.MapClaims{
		"session_id": sessionID,
		"iat":        now.Unix(),
	}
	if i.ttl > 0 {
		claims["exp"] = now.Add(i.ttl).Unix()
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Identity{}, fmt.Errorf("sign session token: %w", err)
	}
	return Identity{SessionID: sessionID, Token: token}, nil
}

// Verify returns the session id carried by a token.
func (i *Issuer) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.nowFn),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sessionID, ok := claims["session_id"].(string)
	if !ok || sessionID == "" {
		return "", ErrInvalidToken
	}
	return sessionID, nil
}
