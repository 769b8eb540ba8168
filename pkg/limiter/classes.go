package limiter

import (
	"fmt"
	"time"
)

// Class groups routes that share a limit.
type Class string

const (
	ClassRead     Class = "read"
	ClassWrite    Class = "write"
	ClassAuth     Class = "auth"
	ClassUpload   Class = "upload"
	ClassSearch   Class = "search"
	ClassReport   Class = "report"
	ClassAdmin    Class = "admin"
	ClassRegister Class = "register"
)

// DefaultClasses returns a fresh copy of the built-in class table.
func DefaultClasses() map[Class]Limit {
	return map[Class]Limit{
		ClassRead:     {Max: 100, Window: time.Minute},
		ClassWrite:    {Max: 10, Window: time.Minute},
		ClassAuth:     {Max: 5, Window: 15 * time.Minute, CountFailuresOnly: true},
		ClassUpload:   {Max: 30, Window: 15 * time.Minute},
		ClassSearch:   {Max: 30, Window: time.Minute},
		ClassReport:   {Max: 10, Window: time.Hour},
		ClassAdmin:    {Max: 200, Window: time.Minute},
		ClassRegister: {Max: 3, Window: time.Hour},
	}
}

// ConfigError reports an unusable class table. It is returned at
// construction time and is never a per-request condition.
type ConfigError struct {
	Class  Class
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Class == "" {
		return "limiter config: " + e.Reason
	}
	return fmt.Sprintf("limiter config: class %q: %s", e.Class, e.Reason)
}

// ValidateClasses checks every limit in classes and that each of the
// required classes is present.
func ValidateClasses(classes map[Class]Limit, required ...Class) error {
	if len(classes) == 0 {
		return &ConfigError{Reason: "no classes configured"}
	}
	for _, c := range required {
		if _, ok := classes[c]; !ok {
			return &ConfigError{Class: c, Reason: "missing"}
		}
	}
	for c, l := range classes {
		switch {
		case c == "":
			return &ConfigError{Reason: "empty class name"}
		case l.Max <= 0:
			return &ConfigError{Class: c, Reason: "max must be positive"}
		case l.Window < time.Millisecond:
			return &ConfigError{Class: c, Reason: "window must be at least 1ms"}
		}
	}
	return nil
}

// ExceededError is the caller-visible rejection for a denied request.
type ExceededError struct {
	Class      Class
	Limit      int64
	RetryAfter time.Duration
}

const CodeExceeded = "RATE_LIMIT_EXCEEDED"

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d per window, retry in %s", e.Class, e.Limit, e.RetryAfter.Round(time.Second))
}

func (e *ExceededError) Code() string { return CodeExceeded }

// Err returns an *ExceededError for a denied decision and nil otherwise.
func (d Decision) Err(class Class) error {
	if d.Allow {
		return nil
	}
	return &ExceededError{Class: class, Limit: d.Limit, RetryAfter: d.RetryAfter}
}
