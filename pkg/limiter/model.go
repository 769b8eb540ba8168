package limiter

import (
	"context"
	"strings"
	"time"
)

type Namespace string

const (
	NamespaceUser  Namespace = "user"
	NamespaceIP    Namespace = "ip"
	NamespaceEmail Namespace = "email"
)

// Limit is a fixed-window policy: at most Max requests per Window.
type Limit struct {
	Max    int64
	Window time.Duration
	// CountFailuresOnly makes Check only look at the counter; attempts are
	// counted when the caller reports a failed outcome.
	CountFailuresOnly bool
}

type Decision struct {
	Allow      bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetTime  time.Time
	// Degraded is set when the decision came from the in-process limiter
	// or from failing open, rather than from the shared counter.
	Degraded bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, as used by the
// Retry-After header.
func (d Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64((d.RetryAfter + time.Second - 1) / time.Second)
}

type Identity struct {
	Namespace Namespace
	Key       string
}

func (id Identity) String() string {
	return string(id.Namespace) + ":" + id.Key
}

// IdentityFor prefers the authenticated principal and falls back to the
// network origin.
func IdentityFor(principal, remoteAddr string) Identity {
	if principal != "" {
		return Identity{Namespace: NamespaceUser, Key: principal}
	}
	return Identity{Namespace: NamespaceIP, Key: remoteAddr}
}

// EmailIdentity keys login attempts by the submitted credential, since the
// principal is not known yet.
func EmailIdentity(email string) Identity {
	return Identity{Namespace: NamespaceEmail, Key: strings.ToLower(strings.TrimSpace(email))}
}

// RateLimiter is a counting backend. Allow counts the attempt; Peek reports
// the decision the next attempt would get without counting it.
type RateLimiter interface {
	Allow(ctx context.Context, class Class, id Identity, limit Limit) (Decision, error)
	Peek(ctx context.Context, class Class, id Identity, limit Limit) (Decision, error)
}

// window is the fixed bucket containing now.
type window struct {
	bucket int64
	reset  time.Time
}

func windowAt(now time.Time, size time.Duration) window {
	ms := size.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	b := now.UnixMilli() / ms
	return window{bucket: b, reset: time.UnixMilli((b + 1) * ms)}
}

// decide turns the counter value for a window into a Decision. count
// includes the current attempt when counted is true.
func decide(limit Limit, w window, count int64, counted bool, now time.Time) Decision {
	used := count
	if !counted {
		used++
	}
	d := Decision{
		Allow:     used <= limit.Max,
		Limit:     limit.Max,
		Remaining: max(limit.Max-used, 0),
		ResetTime: w.reset,
	}
	if !d.Allow {
		d.RetryAfter = w.reset.Sub(now)
	}
	return d
}
