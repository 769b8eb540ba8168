// Package token issues and validates single-use anti-forgery tokens bound
// to a (principal, session) pair.
//
// Every successful validation replaces the secret, so a token can be used at
// most once; a mismatched candidate leaves the stored secret in place so
// guesses cannot force a rotation. Secrets live in the shared remote store,
// where validation and rotation happen in one atomic compare-and-swap. While
// that store is unavailable, tokens are kept in a per-process map instead,
// which keeps the feature working at the cost of tokens being valid on one
// instance only.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/manenim/gateway-guard/pkg/metrics"
	"github.com/manenim/gateway-guard/pkg/remote"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultPrefix        = "csrf:"

	secretBytes  = 32
	sessionBytes = 16
)

// Token is what Issue hands back to the client.
type Token struct {
	Value     string        `json:"token"`
	SessionID string        `json:"sessionId"`
	ExpiresIn time.Duration `json:"-"`
}

// record is the stored form. The remote compare-and-swap matches on the
// "secret" field.
type record struct {
	Secret   string `json:"secret"`
	IssuedAt int64  `json:"issuedAt"`
}

type localToken struct {
	secret    string
	expiresAt time.Time
}

// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	remote remote.Store
	local  *xsync.MapOf[string, localToken]

	prefix   string
	ttl      time.Duration
	now      func() time.Time
	recorder metrics.Recorder
	logger   *slog.Logger
	logError rate.Sometimes

	issued    atomic.Int64
	validated atomic.Int64
	rejected  atomic.Int64
	fallbacks atomic.Int64
}

type Option func(*Store)

// WithTTL sets the idle lifetime of a token (default 30m).
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(s *Store) {
		s.recorder = metrics.OrNoOp(r)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a Store over rs. A nil rs keeps every token in process.
func New(rs remote.Store, opts ...Option) *Store {
	if rs == nil {
		rs = remote.Disabled{}
	}
	s := &Store{
		remote:   rs,
		local:    xsync.NewMapOf[string, localToken](),
		prefix:   DefaultPrefix,
		ttl:      DefaultTTL,
		now:      time.Now,
		recorder: metrics.NoOp{},
		logger:   slog.Default(),
		logError: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "token")
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) key(principal, sessionID string) string {
	if principal == "" {
		principal = "anonymous"
	}
	return s.prefix + principal + ":" + sessionID
}

// Issue creates a token for (principal, sessionID), replacing any previous
// one. An empty sessionID gets a freshly generated one. The only error is a
// failure of the system random source.
func (s *Store) Issue(ctx context.Context, principal, sessionID string) (Token, error) {
	if sessionID == "" {
		id, err := randomHex(sessionBytes)
		if err != nil {
			return Token{}, err
		}
		sessionID = id
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return Token{}, err
	}

	key := s.key(principal, sessionID)
	if s.storeRemote(ctx, key, secret) {
		s.local.Delete(key)
	} else {
		s.local.Store(key, localToken{secret: secret, expiresAt: s.now().Add(s.ttl)})
	}

	s.issued.Add(1)
	s.recorder.Add("token.issue", 1, nil)
	return Token{Value: secret, SessionID: sessionID, ExpiresIn: s.ttl}, nil
}

func (s *Store) storeRemote(ctx context.Context, key, secret string) bool {
	if !s.remote.Available() {
		s.fallbacks.Add(1)
		return false
	}
	b, err := json.Marshal(record{Secret: secret, IssuedAt: s.now().UnixMilli()})
	if err != nil {
		return false
	}
	if err := s.remote.Set(ctx, key, b, s.ttl); err != nil {
		s.fail("issue", err)
		return false
	}
	return true
}

// Validate checks candidate against the token for (principal, sessionID).
// On success the token is rotated and the new secret returned; the caller
// must hand it to the client for its next request. Rejections are one of
// ErrSessionMissing, ErrTokenMissing, ErrTokenInvalid or ErrTokenMismatch.
func (s *Store) Validate(ctx context.Context, principal, sessionID, candidate string) (string, error) {
	if sessionID == "" {
		return "", s.reject(ErrSessionMissing)
	}
	if candidate == "" {
		return "", s.reject(ErrTokenMissing)
	}
	next, err := randomHex(secretBytes)
	if err != nil {
		return "", err
	}

	key := s.key(principal, sessionID)
	if s.remote.Available() {
		b, err := json.Marshal(record{Secret: next, IssuedAt: s.now().UnixMilli()})
		if err != nil {
			return "", err
		}
		res, err := s.remote.SwapIfField(ctx, key, "secret", candidate, b, s.ttl)
		switch {
		case err != nil:
			s.fail("validate", err)
		case res == remote.SwapDone:
			s.local.Delete(key)
			return next, s.accept()
		case res == remote.SwapMismatch:
			return "", s.reject(ErrTokenMismatch)
		}
		// missing remotely: it may have been issued here during an outage
	} else {
		s.fallbacks.Add(1)
	}

	if rerr := s.validateLocal(key, candidate, next); rerr != nil {
		return "", s.reject(rerr)
	}
	return next, s.accept()
}

func (s *Store) validateLocal(key, candidate, next string) *Error {
	now := s.now()
	result := ErrTokenInvalid
	s.local.Compute(key, func(old localToken, loaded bool) (localToken, bool) {
		if !loaded || !now.Before(old.expiresAt) {
			return old, true
		}
		if subtle.ConstantTimeCompare([]byte(old.secret), []byte(candidate)) != 1 {
			result = ErrTokenMismatch
			return old, false
		}
		result = nil
		return localToken{secret: next, expiresAt: now.Add(s.ttl)}, false
	})
	return result
}

func (s *Store) accept() error {
	s.validated.Add(1)
	s.recorder.Add("token.validate", 1, map[string]string{"result": "ok"})
	return nil
}

func (s *Store) reject(err *Error) error {
	s.rejected.Add(1)
	s.recorder.Add("token.validate", 1, map[string]string{"result": err.Code})
	return err
}

func (s *Store) fail(op string, err error) {
	s.fallbacks.Add(1)
	s.recorder.Add("token.fallback", 1, map[string]string{"op": op})
	s.logError.Do(func() {
		s.logger.Warn("remote token store failed, using local tokens", "op", op, "err", err)
	})
}

// Revoke drops the token for (principal, sessionID) from both stores.
func (s *Store) Revoke(ctx context.Context, principal, sessionID string) {
	key := s.key(principal, sessionID)
	s.local.Delete(key)
	if s.remote.Available() {
		if err := s.remote.Del(ctx, key); err != nil {
			s.fail("revoke", err)
		}
	}
}

// Sweep drops expired local tokens and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	var expired []string
	s.local.Range(func(key string, t localToken) bool {
		if !now.Before(t.expiresAt) {
			expired = append(expired, key)
		}
		return true
	})
	n := 0
	for _, key := range expired {
		// re-check under the bucket lock: the token may have been rotated
		s.local.Compute(key, func(old localToken, loaded bool) (localToken, bool) {
			if loaded && !now.Before(old.expiresAt) {
				n++
				return old, true
			}
			return old, !loaded
		})
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("swept expired local tokens", "count", n)
				}
			}
		}
	}()
}

type Stats struct {
	Issued    int64 `json:"issued"`
	Validated int64 `json:"validated"`
	Rejected  int64 `json:"rejected"`
	Fallbacks int64 `json:"fallbacks"`
	Local     int   `json:"local"`
}

func (s *Store) Stats() Stats {
	return Stats{
		Issued:    s.issued.Load(),
		Validated: s.validated.Load(),
		Rejected:  s.rejected.Load(),
		Fallbacks: s.fallbacks.Load(),
		Local:     s.local.Size(),
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
