// Package limiter provides distributed fixed-window rate limiting with a
// fail-open policy.
//
// The primary entry point is Limiter:
//
//	l, err := limiter.New(store)
//	dec := l.Check(ctx, limiter.IdentityFor(userID, remoteAddr), limiter.ClassWrite)
//
// The returned Decision contains whether the request is allowed, how many
// requests remain in the current window, and timing hints for callers that
// want to set rate-limit headers (for example, Retry-After).
//
// # Overview
//
// Time is cut into fixed windows of Limit.Window. Each (class, identity,
// window) triple owns one counter:
//
//	{prefix}{class}:{namespace}:{key}:{floor(now / window)}
//
// Every counted request increments the counter; the request is allowed while
// the counter is at most Limit.Max. Denied requests are counted too, since
// the attempt itself consumed quota. The counter expires one window after it
// is created, so a new window always starts from zero.
//
// # Core Types
//
// Limit defines the policy:
//
//   - Max: requests admitted per window
//   - Window: the window length
//   - CountFailuresOnly: only failed attempts count, see ReportOutcome
//
// Identity defines "who" is being rate-limited. It is split into:
//
//   - Namespace: "user" for authenticated principals, "ip" for anonymous
//     callers, "email" for login attempts
//   - Key: the identifier within that namespace
//
// Class names a row of the class table. DefaultClasses has read, write, auth,
// upload, search, report, admin and register.
//
// # Backends
//
// Two RateLimiter implementations share the same windowing:
//
//   - WindowLimiter: counters in the shared remote store, incremented with a
//     single atomic script so concurrent instances never lose an update.
//
//   - MemoryLimiter: counters in a process-local memstore. Each replica
//     counts on its own, so it is never stricter than the shared counter.
//
// # Context and Error Policy
//
// Limiter never returns an error per request. When the remote store is
// unavailable or a call fails, the request is allowed; with
// WithDegradedLimiting it is instead decided by a MemoryLimiter. Either way
// Decision.Degraded is set and the failure is counted in Stats.
//
// Class table problems are reported by New as a *ConfigError.
//
// # Login Attempts
//
// Classes with CountFailuresOnly (auth by default) are only peeked at by
// Check. The handler reports the outcome explicitly:
//
//	dec := l.Check(ctx, limiter.EmailIdentity(email), limiter.ClassAuth)
//	...
//	l.ReportOutcome(ctx, limiter.EmailIdentity(email), limiter.ClassAuth, ok)
//
// so successful logins never count toward the limit.
//
// # Configuration
//
// Limiter is configured using the Functional Options pattern:
//
//	l, err := limiter.New(store,
//		limiter.WithPrefix("myapp:rate:"),
//		limiter.WithClasses(classes),
//		limiter.WithDegradedLimiting(nil),
//		limiter.WithRecorder(myMetrics),
//	)
//
// Supported options:
//
//   - WithPrefix(string): Sets the key prefix (default "ratelimit:").
//   - WithClasses(map[Class]Limit): Replaces the class table.
//   - WithDegradedLimiting(*memstore.Store): Enables per-process limiting
//     while the shared store is down.
//   - WithRecorder(metrics.Recorder): Injects a custom metrics backend.
//   - WithLogger(*slog.Logger), WithClock(func() time.Time).
package limiter
