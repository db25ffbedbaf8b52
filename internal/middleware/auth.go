package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/videogen/internal/auth"
	"github.com/makeasinger/videogen/pkg/response"
)

// ErrAuthNotConfigured is returned when neither an OIDC verifier nor an
// HMAC secret is available.
var ErrAuthNotConfigured = errors.New("authentication not configured")

// Identity is the caller identity established from a bearer token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string // fallback for HMAC caller tokens
}

// NewAuthMiddleware creates auth middleware. Tokens are checked against
// verifier first and then, if jwtSecret is set, as HMAC caller tokens.
// Either may be empty.
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Authenticate validates JWT token from Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := BearerToken(c)
		if !ok {
			if c.Get("Authorization") == "" {
				return response.Unauthorized(c, "Missing authorization header")
			}
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		identity, err := Identify(m.verifier, m.jwtSecret, tokenString)
		if err != nil {
			if errors.Is(err, ErrAuthNotConfigured) {
				return response.Unauthorized(c, "Authentication not configured")
			}
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("userId", identity.UserID)
		c.Locals("email", identity.Email)
		c.Locals("name", identity.Name)
		return c.Next()
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
// Browsers cannot set headers on WebSocket upgrades, so those may pass the
// token as the access_token query parameter instead.
func BearerToken(c *fiber.Ctx) (string, bool) {
	header := c.Get("Authorization")
	if header == "" && websocket.IsWebSocketUpgrade(c) {
		token := c.Query("access_token")
		return token, token != ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Identify validates tokenString with verifier, falling back to HMAC caller
// tokens signed with jwtSecret.
func Identify(verifier auth.TokenVerifier, jwtSecret, tokenString string) (Identity, error) {
	if verifier == nil && jwtSecret == "" {
		return Identity{}, ErrAuthNotConfigured
	}

	var verifyErr error
	if verifier != nil {
		claims, err := verifier.Validate(tokenString)
		if err == nil {
			return Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
		verifyErr = err
	}

	if jwtSecret != "" {
		claims, err := auth.ValidateCallerToken(tokenString, jwtSecret)
		if err == nil {
			return Identity{UserID: claims.UserID, Email: claims.Email}, nil
		}
		verifyErr = err
	}

	return Identity{}, verifyErr
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
