// Package middleware adapts the cache, limiter and token packages to echo.
package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// PrincipalFunc returns the authenticated principal for a request, or "" for
// anonymous callers. It is supplied by the authentication layer.
type PrincipalFunc func(c echo.Context) string

// ContextPrincipal reads the principal from the echo context key "user",
// which is where auth middleware in front of these usually puts it.
func ContextPrincipal(c echo.Context) string {
	switch v := c.Get("user").(type) {
	case string:
		return v
	case interface{ PrincipalID() string }:
		return v.PrincipalID()
	default:
		return ""
	}
}

// Rejection is the body of every response these middlewares refuse.
type Rejection struct {
	Status     string `json:"status"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

func reject(c echo.Context, status int, code, message string, retryAfter int64) error {
	return c.JSON(status, Rejection{
		Status:     "error",
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	})
}

// StatsHandler serves snapshot() as JSON.
func StatsHandler(snapshot func() any) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, snapshot())
	}
}

func principalOrDefault(fn PrincipalFunc) PrincipalFunc {
	if fn == nil {
		return ContextPrincipal
	}
	return fn
}
