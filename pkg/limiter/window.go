package limiter

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/manenim/gateway-guard/pkg/remote"
)

// WindowLimiter counts requests in fixed windows held by the shared store.
// Each window is a single counter key incremented atomically and set to
// expire after one window length, so instances never coordinate beyond the
// store itself.
type WindowLimiter struct {
	store  remote.Store
	prefix string
	now    func() time.Time
}

var _ RateLimiter = (*WindowLimiter)(nil)

func NewWindowLimiter(store remote.Store, opts ...Option) *WindowLimiter {
	o := newOptions(opts)
	return &WindowLimiter{store: store, prefix: o.prefix, now: o.now}
}

func (w *WindowLimiter) Allow(ctx context.Context, class Class, id Identity, limit Limit) (Decision, error) {
	now := w.now()
	win := windowAt(now, limit.Window)
	n, err := w.store.IncrWindow(ctx, counterKey(w.prefix, class, id, win), limit.Window)
	if err != nil {
		return Decision{}, err
	}
	return decide(limit, win, n, true, now), nil
}

func (w *WindowLimiter) Peek(ctx context.Context, class Class, id Identity, limit Limit) (Decision, error) {
	now := w.now()
	win := windowAt(now, limit.Window)
	b, err := w.store.Get(ctx, counterKey(w.prefix, class, id, win))
	var n int64
	switch {
	case errors.Is(err, remote.ErrNotFound):
	case err != nil:
		return Decision{}, err
	default:
		n, err = strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return Decision{}, err
		}
	}
	return decide(limit, win, n, false, now), nil
}

// counterKey is {prefix}{class}:{namespace}:{key}:{bucket}.
func counterKey(prefix string, class Class, id Identity, win window) string {
	var sb strings.Builder
	sb.Grow(len(prefix) + len(class) + len(id.Namespace) + len(id.Key) + 24)
	sb.WriteString(prefix)
	sb.WriteString(string(class))
	sb.WriteByte(':')
	sb.WriteString(id.String())
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatInt(win.bucket, 10))
	return sb.String()
}
