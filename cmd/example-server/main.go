package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/manenim/gateway-guard/pkg/guard"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	defaults := guard.DefaultConfig()

	app := cli.App{
		Name:    "example-server",
		Usage:   "demo service behind the cache, rate limit and CSRF layer",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "run the demo HTTP server",
			Action: serve,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "bind",
					Usage:   "IP or address, and port, to listen on for HTTP APIs",
					Value:   ":8080",
					EnvVars: []string{"GUARD_BIND"},
				},
				&cli.BoolFlag{
					Name:    "redis-enabled",
					Usage:   "use Redis as the shared store; off runs on process-local state only",
					Value:   defaults.RedisEnabled,
					EnvVars: []string{"REDIS_ENABLED"},
				},
				&cli.StringFlag{
					Name:    "redis-url",
					Usage:   "redis:// URL of the shared store",
					Value:   defaults.RedisURL,
					EnvVars: []string{"REDIS_URL"},
				},
				&cli.StringFlag{
					Name:    "prefix",
					Usage:   "prefix for every key written to the shared store",
					Value:   defaults.Prefix,
					EnvVars: []string{"GUARD_PREFIX"},
				},
				&cli.DurationFlag{
					Name:    "remote-timeout",
					Usage:   "deadline for a single shared store command",
					Value:   defaults.RemoteTimeout,
					EnvVars: []string{"GUARD_REMOTE_TIMEOUT"},
				},
				&cli.IntFlag{
					Name:    "local-cache-size",
					Usage:   "maximum entries in the process-local cache",
					Value:   defaults.LocalCacheSize,
					EnvVars: []string{"GUARD_LOCAL_CACHE_SIZE"},
				},
				&cli.DurationFlag{
					Name:    "local-cache-ttl",
					Usage:   "lifetime cap for process-local cache entries",
					Value:   defaults.LocalCacheTTL,
					EnvVars: []string{"GUARD_LOCAL_CACHE_TTL"},
				},
				&cli.BoolFlag{
					Name:    "degraded-limiting",
					Usage:   "keep approximate per-process limits while the shared store is down",
					EnvVars: []string{"GUARD_DEGRADED_LIMITING"},
				},
				&cli.BoolFlag{
					Name:    "csrf-enabled",
					Usage:   "require a CSRF token on mutating requests",
					Value:   true,
					EnvVars: []string{"CSRF_ENABLED"},
				},
				&cli.DurationFlag{
					Name:    "csrf-token-ttl",
					Usage:   "idle lifetime of an issued CSRF token",
					Value:   defaults.TokenTTL,
					EnvVars: []string{"CSRF_TOKEN_TTL"},
				},
				&cli.StringSliceFlag{
					Name:    "allowed-origins",
					Usage:   "browser origins allowed to call /api (comma separated)",
					Value:   cli.NewStringSlice("http://localhost:3000"),
					EnvVars: []string{"GUARD_ALLOWED_ORIGINS"},
				},
				&cli.BoolFlag{
					Name:    "strict-origin-check",
					Usage:   "reject /api requests from origins not in the allow list instead of logging them",
					EnvVars: []string{"GUARD_STRICT_ORIGIN_CHECK"},
				},
				&cli.StringFlag{
					Name:    "log-level",
					Usage:   "log verbosity (debug, info, warn, error)",
					Value:   "info",
					EnvVars: []string{"LOG_LEVEL", "GO_LOG_LEVEL"},
				},
			},
		},
	}

	return app.Run(args)
}

func configFromCLI(cctx *cli.Context) guard.Config {
	cfg := guard.DefaultConfig()
	cfg.RedisEnabled = cctx.Bool("redis-enabled")
	cfg.RedisURL = cctx.String("redis-url")
	cfg.Prefix = cctx.String("prefix")
	cfg.RemoteTimeout = cctx.Duration("remote-timeout")
	cfg.LocalCacheSize = cctx.Int("local-cache-size")
	cfg.LocalCacheTTL = cctx.Duration("local-cache-ttl")
	cfg.DegradedLimiting = cctx.Bool("degraded-limiting")
	cfg.TokenTTL = cctx.Duration("csrf-token-ttl")
	return cfg
}

func configLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
	return logger
}

const shutdownTimeout = 10 * time.Second
