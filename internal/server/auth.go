package server

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// principal identifies the caller for rate limiting: the JWT subject
// when authenticated, the client IP otherwise.
func principal(c echo.Context) string {
	if token, ok := c.Get("user").(*jwt.Token); ok && token != nil {
		if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
			return "sub:" + sub
		}
	}
	return "ip:" + c.RealIP()
}

// subject returns the authenticated JWT subject, empty when anonymous.
func subject(c echo.Context) string {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil {
		return ""
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// isAdmin reports whether the caller's token carries the admin role.
func isAdmin(c echo.Context) bool {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil {
		return false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	role, _ := claims["role"].(string)
	return role == "admin"
}

// MintToken issues an HS256 token for the subject. Used by the CLI to
// create operator tokens when anonymous access is disabled. role may be
// empty; "admin" grants read access to any session.
func MintToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
		"iss": "edupilot",
	}
	if role != "" {
		claims["role"] = role
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
