package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/manenim/gateway-guard/pkg/token"
)

const (
	HeaderCSRFToken    = "X-CSRF-Token"
	HeaderSessionID    = "X-Session-ID"
	HeaderNewCSRFToken = "X-New-CSRF-Token"

	// CSRFContextKey holds the rotated token after a successful validation.
	CSRFContextKey = "csrf.token"
)

// DefaultCSRFExcluded are path prefixes that never require a token: the
// routes a client calls before it can have one.
var DefaultCSRFExcluded = []string{
	"/api/auth/login",
	"/api/auth/register",
	"/api/auth/refresh",
	"/api/auth/forgot-password",
	"/api/auth/social",
	"/api/health",
	"/health",
}

type CSRFConfig struct {
	Skipper middleware.Skipper

	// Disabled turns validation off, for local development.
	Disabled bool

	// Excluded path prefixes. Nil means DefaultCSRFExcluded.
	Excluded []string

	Principal PrincipalFunc
}

// CSRF validates the one-time token on every mutating request and hands the
// rotated token back in the X-New-CSRF-Token header.
func CSRF(store *token.Store, cfg CSRFConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = middleware.DefaultSkipper
	}
	if cfg.Excluded == nil {
		cfg.Excluded = DefaultCSRFExcluded
	}
	principal := principalOrDefault(cfg.Principal)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Disabled || cfg.Skipper(c) || safeMethod(c.Request().Method) || excluded(c.Request().URL.Path, cfg.Excluded) {
				return next(c)
			}

			req := c.Request()
			rotated, err := store.Validate(req.Context(), principal(c), req.Header.Get(HeaderSessionID), req.Header.Get(HeaderCSRFToken))
			if err != nil {
				var terr *token.Error
				if errors.As(err, &terr) {
					return reject(c, http.StatusForbidden, terr.Code, terr.Message, 0)
				}
				return err
			}

			c.Response().Header().Set(HeaderNewCSRFToken, rotated)
			c.Set(CSRFContextKey, rotated)
			return next(c)
		}
	}
}

// IssueCSRF hands out a token for the caller's session, creating a session
// id when the X-Session-ID header is absent.
func IssueCSRF(store *token.Store, principal PrincipalFunc) echo.HandlerFunc {
	principal = principalOrDefault(principal)
	return func(c echo.Context) error {
		tok, err := store.Issue(c.Request().Context(), principal(c), c.Request().Header.Get(HeaderSessionID))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"token":            tok.Value,
			"sessionId":        tok.SessionID,
			"expiresInSeconds": int64(tok.ExpiresIn.Seconds()),
		})
	}
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

func excluded(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
