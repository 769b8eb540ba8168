package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/manenim/gateway-guard/pkg/limiter"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"

	ctxRateLimit = "guard.ratelimit"
)

type RateLimitConfig struct {
	Skipper middleware.Skipper
	Class   limiter.Class

	// Identity derives who is limited. Defaults to the principal, falling
	// back to the client IP.
	Identity func(c echo.Context) limiter.Identity

	Principal PrincipalFunc
}

type rateLimitState struct {
	l     *limiter.Limiter
	class limiter.Class
	id    limiter.Identity
}

// RateLimit checks every request against cfg.Class and answers 429 with a
// Retry-After hint when the limit is exceeded. A class missing from the
// limiter is reported as a *limiter.ConfigError.
func RateLimit(l *limiter.Limiter, cfg RateLimitConfig) (echo.MiddlewareFunc, error) {
	if err := l.Require(cfg.Class); err != nil {
		return nil, err
	}
	if cfg.Skipper == nil {
		cfg.Skipper = middleware.DefaultSkipper
	}
	if cfg.Identity == nil {
		principal := principalOrDefault(cfg.Principal)
		cfg.Identity = func(c echo.Context) limiter.Identity {
			return limiter.IdentityFor(principal(c), c.RealIP())
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}

			id := cfg.Identity(c)
			dec := l.Check(c.Request().Context(), id, cfg.Class)
			c.Set(ctxRateLimit, rateLimitState{l: l, class: cfg.Class, id: id})

			h := c.Response().Header()
			if dec.Limit > 0 {
				h.Set(HeaderRateLimitLimit, strconv.FormatInt(dec.Limit, 10))
				h.Set(HeaderRateLimitRemaining, strconv.FormatInt(dec.Remaining, 10))
				h.Set(HeaderRateLimitReset, strconv.FormatInt(dec.ResetTime.Unix(), 10))
			}
			if !dec.Allow {
				retry := dec.RetryAfterSeconds()
				h.Set(HeaderRetryAfter, strconv.FormatInt(retry, 10))
				return reject(c, http.StatusTooManyRequests, limiter.CodeExceeded,
					"too many requests, please try again later", retry)
			}
			return next(c)
		}
	}, nil
}

// ReportOutcome forwards the outcome of the current request to the limiter
// that checked it. Handlers behind a CountFailuresOnly class call it once
// they know whether the attempt succeeded; elsewhere it does nothing.
func ReportOutcome(c echo.Context, success bool) {
	st, ok := c.Get(ctxRateLimit).(rateLimitState)
	if !ok {
		return
	}
	st.l.ReportOutcome(c.Request().Context(), st.id, st.class, success)
}

// EmailIdentity keys login requests by the submitted credential in form
// field, falling back to the client IP when it is absent.
func EmailIdentity(field string) func(c echo.Context) limiter.Identity {
	return func(c echo.Context) limiter.Identity {
		if v := c.FormValue(field); v != "" {
			return limiter.EmailIdentity(v)
		}
		return limiter.IdentityFor("", c.RealIP())
	}
}
