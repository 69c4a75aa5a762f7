package api

import (
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// HashToken returns the bcrypt hash stored in api.token_hash for token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// tokenAuth checks request tokens against a bcrypt hash. The last accepted
// token is remembered so polling clients do not pay for bcrypt on every request.
type tokenAuth struct {
	hash []byte

	mu       sync.Mutex
	accepted []byte
}

func newTokenAuth(hash string) *tokenAuth {
	return &tokenAuth{hash: []byte(hash)}
}

func (a *tokenAuth) verify(token string) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	cached := a.accepted
	a.mu.Unlock()
	if cached != nil && subtle.ConstantTimeCompare(cached, []byte(token)) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.accepted = []byte(token)
	a.mu.Unlock()
	return true
}

func (a *tokenAuth) middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !a.verify(extractToken(c)) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "authentication required",
			})
		}
		return c.Next()
	}
}

// extractToken checks Authorization Bearer, Authorization plain, then x-api-key.
func extractToken(c *fiber.Ctx) string {
	h := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if h != "" {
		return h
	}
	return c.Get("x-api-key")
}
