package token

// Error is a caller-visible rejection with a machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrTokenMissing   = &Error{Code: "CSRF_TOKEN_MISSING", Message: "CSRF token is required"}
	ErrSessionMissing = &Error{Code: "SESSION_ID_MISSING", Message: "session ID is required"}
	ErrTokenInvalid   = &Error{Code: "CSRF_TOKEN_INVALID", Message: "CSRF token expired or not found"}
	ErrTokenMismatch  = &Error{Code: "CSRF_TOKEN_MISMATCH", Message: "CSRF token does not match"}
)
