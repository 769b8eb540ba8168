package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// CodeInvalidOrigin is the rejection code for a disallowed Origin header.
const CodeInvalidOrigin = "INVALID_ORIGIN"

// DefaultAppAgents match the User-Agent of native app clients, which send no
// browser Origin worth checking. Patterns are globs matched case-insensitively.
var DefaultAppAgents = []string{"*okhttp*", "*expo*", "*react-native*"}

type OriginConfig struct {
	Skipper middleware.Skipper

	// AllowedOrigins are exact Origin values, e.g. "https://app.example.com".
	AllowedOrigins []string

	// AppAgents are User-Agent globs that bypass the check. Nil means
	// DefaultAppAgents.
	AppAgents []string

	// Strict rejects disallowed origins with 403. Otherwise they are only
	// logged.
	Strict bool

	Logger *slog.Logger
}

// Origin checks the Origin header of browser requests against an allow list.
// Requests without an Origin header and requests from app clients pass.
func Origin(cfg OriginConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = middleware.DefaultSkipper
	}
	if cfg.AppAgents == nil {
		cfg.AppAgents = DefaultAppAgents
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = struct{}{}
		}
	}
	var agents []glob.Glob
	for _, p := range cfg.AppAgents {
		if g, err := glob.Compile(strings.ToLower(p)); err == nil {
			agents = append(agents, g)
		} else {
			cfg.Logger.Warn("ignoring bad app agent pattern", "pattern", p, "err", err)
		}
	}
	logDenied := &rate.Sometimes{First: 1, Interval: 10 * time.Second}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}
			req := c.Request()
			origin := req.Header.Get(echo.HeaderOrigin)
			if origin == "" {
				return next(c)
			}
			ua := strings.ToLower(req.UserAgent())
			for _, g := range agents {
				if g.Match(ua) {
					return next(c)
				}
			}
			if _, ok := allowed[origin]; ok {
				return next(c)
			}

			logDenied.Do(func() {
				cfg.Logger.Warn("request from disallowed origin", "origin", origin, "strict", cfg.Strict)
			})
			if cfg.Strict {
				return reject(c, http.StatusForbidden, CodeInvalidOrigin, "request origin is not allowed", 0)
			}
			return next(c)
		}
	}
}
