package session

import "fmt"

// Error codes a SessionError's Code may carry, mirroring the bucket of
// conditions a Feed/Pack caller needs to branch on without string
// matching.
const (
	ErrCodeBadFrameSize = "BAD_FRAME_SIZE"
	ErrCodeBadTag       = "BAD_TAG"
	ErrCodeProtocol     = "PROTOCOL_VIOLATION"
	ErrCodeHandshake    = "HANDSHAKE_ERROR"
	ErrCodeRekey        = "REKEY_ERROR"
)

// SessionError wraps a low-level cause with a stable Code, so an
// EventHandler's OnError can branch with errors.As instead of matching
// on the formatted message text.
type SessionError struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface. It deliberately renders as just
// Message (plus the cause, if any) rather than prefixing Code: callers
// that need the code branch on errors.As, not on the string; callers that
// just log or display the error see the same wording Feed has always
// produced (e.g. "Bad packet size: 5.", "Bad tag: %x.").
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, for errors.Is/errors.As.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// newSessionError builds a SessionError for a Feed-time poisoning cause.
func newSessionError(code, message string, cause error) *SessionError {
	return &SessionError{Code: code, Message: message, Cause: cause}
}
