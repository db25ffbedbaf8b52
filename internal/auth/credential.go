package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// CredentialValidity is how long an issued credential stays valid.
	CredentialValidity = 1800 * time.Second
	// ClockSkewTolerance backdates not-before to absorb client/server drift.
	ClockSkewTolerance = 5 * time.Second
)

// ErrInvalidCredentials is returned when the identity or secret used for
// signing is unusable. It is a configuration problem, never transient.
var ErrInvalidCredentials = errors.New("invalid signing credentials")

// Credential is a short-lived HS256 token authorizing a single outbound
// request. It is valid during [NotBefore, ExpiresAt).
type Credential struct {
	Token     string
	Issuer    string
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
}

// ValidAt reports whether t falls inside the credential's window.
func (c Credential) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && t.Before(c.ExpiresAt)
}

// BearerHeader returns the Authorization header value for the credential.
func (c Credential) BearerHeader() string {
	return "Bearer " + c.Token
}

// IssueCredential signs a fresh credential for identity at now. JWT
// timestamps have second precision, so now is truncated to the second and
// the returned window matches the token exactly.
func IssueCredential(identity, secret string, now time.Time) (Credential, error) {
	if identity == "" {
		return Credential{}, fmt.Errorf("%w: issuer identity is empty", ErrInvalidCredentials)
	}
	if secret == "" {
		return Credential{}, fmt.Errorf("%w: signing secret is empty", ErrInvalidCredentials)
	}

	issuedAt := now.Truncate(time.Second)
	cred := Credential{
		Issuer:    identity,
		IssuedAt:  issuedAt,
		NotBefore: issuedAt.Add(-ClockSkewTolerance),
		ExpiresAt: issuedAt.Add(CredentialValidity),
	}

	claims := jwt.RegisteredClaims{
		Issuer:    identity,
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(cred.IssuedAt),
		NotBefore: jwt.NewNumericDate(cred.NotBefore),
		ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	cred.Token = signed

	return cred, nil
}

// VerifyCredential checks a credential token's signature and validity
// window at now. It is the server-side counterpart of IssueCredential.
func VerifyCredential(tokenString, secret string, now time.Time) (*jwt.RegisteredClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	if claims.NotBefore == nil {
		return nil, fmt.Errorf("%w: missing nbf", jwt.ErrTokenRequiredClaimMissing)
	}
	// The window is half-open: a token is dead at exactly exp.
	if !now.Before(claims.ExpiresAt.Time) {
		return nil, jwt.ErrTokenExpired
	}

	return claims, nil
}
