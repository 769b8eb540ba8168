package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/manenim/gateway-guard/pkg/cache"
)

const (
	HeaderXCache = "X-Cache"

	ctxCacheKey    = "guard.cache.key"
	ctxCacheFailed = "guard.cache.failed"
)

type CacheConfig struct {
	// Condition reports whether a request may be cached at all. Requests
	// that fail it bypass the cache entirely. Defaults to always true.
	Condition func(c echo.Context) bool

	// KeyFunc derives the cache key. Defaults to cache.RequestKey.
	KeyFunc func(c echo.Context) string

	// TTL of the shared copy; the local copy is capped by the coordinator.
	TTL time.Duration

	// SkipLocal keeps the response out of the process-local layer.
	SkipLocal bool
}

// cachedResponse is the stored form of a response.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
}

// Cache serves GET requests from the coordinator and stores successful
// (2xx) responses. Handler errors and non-2xx responses are never stored.
func Cache(coord *cache.Coordinator, cfg CacheConfig) echo.MiddlewareFunc {
	if cfg.Condition == nil {
		cfg.Condition = func(echo.Context) bool { return true }
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c echo.Context) string { return cache.RequestKey(c.Request()) }
	}
	if cfg.TTL <= 0 {
		cfg.TTL = cache.TTLMedium
	}
	var callOpts []cache.CallOption
	if cfg.SkipLocal {
		callOpts = append(callOpts, cache.SkipLocal())
	}

	store := middleware.BodyDumpWithConfig(middleware.BodyDumpConfig{
		Handler: func(c echo.Context, _ []byte, body []byte) {
			if failed, _ := c.Get(ctxCacheFailed).(bool); failed {
				return
			}
			res := c.Response()
			if res.Status < 200 || res.Status >= 300 {
				return
			}
			key, _ := c.Get(ctxCacheKey).(string)
			b, err := json.Marshal(cachedResponse{
				Status:      res.Status,
				ContentType: res.Header().Get(echo.HeaderContentType),
				Body:        body,
			})
			if err != nil {
				return
			}
			_ = coord.Set(c.Request().Context(), key, b, cfg.TTL, callOpts...)
		},
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		marked := store(func(c echo.Context) error {
			if err := next(c); err != nil {
				c.Set(ctxCacheFailed, true)
				return err
			}
			return nil
		})

		return func(c echo.Context) error {
			if c.Request().Method != http.MethodGet || !cfg.Condition(c) {
				return next(c)
			}

			key := cfg.KeyFunc(c)
			if b, ok := coord.Get(c.Request().Context(), key, callOpts...); ok {
				var cr cachedResponse
				if err := json.Unmarshal(b, &cr); err == nil {
					c.Response().Header().Set(HeaderXCache, "HIT")
					if cr.ContentType == "" {
						cr.ContentType = echo.MIMEApplicationJSON
					}
					return c.Blob(cr.Status, cr.ContentType, cr.Body)
				}
			}

			c.Set(ctxCacheKey, key)
			c.Response().Header().Set(HeaderXCache, "MISS")
			return marked(c)
		}
	}
}
