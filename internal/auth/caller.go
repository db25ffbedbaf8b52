package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallerTokenTTL is the lifetime of tokens issued by SignCallerToken.
const CallerTokenTTL = 24 * time.Hour

// CallerClaims are the claims carried by HMAC-signed API caller tokens.
type CallerClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// ErrNoSecret is returned when caller tokens are requested but no HMAC
// secret is configured.
var ErrNoSecret = errors.New("caller token secret not configured")

// ValidateCallerToken validates an API caller token signed with secret.
func ValidateCallerToken(tokenString, secret string) (*CallerClaims, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &CallerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*CallerClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// SignCallerToken creates an HMAC caller token. Used by tests and local tooling.
func SignCallerToken(userID, email, secret string) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}

	now := time.Now()
	claims := CallerClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "videogen-api",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(CallerTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
