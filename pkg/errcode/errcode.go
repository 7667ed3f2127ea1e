package errcode

import "fmt"

// Error represents a business error
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("errcode: %d, msg: %s", e.Code, e.Msg)
}

// New creates a new error with code and message
func New(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap wraps an error with additional context
func (e *Error) Wrap(err error) *Error {
	if err == nil {
		return e
	}
	return &Error{
		Code: e.Code,
		Msg:  fmt.Sprintf("%s: %v", e.Msg, err),
	}
}

// Is lets errors.Is match by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Common error codes
var (
	// Success
	ErrSuccess = New(0, "success")

	// Common errors (1xxx)
	ErrInvalidParam   = New(1001, "invalid parameter")
	ErrInternalServer = New(1002, "internal server error")
	ErrUnauthorized   = New(1003, "unauthorized")
	ErrNotFound       = New(1005, "not found")

	// Session errors (2xxx)
	ErrTokenInvalid   = New(2001, "token invalid")
	ErrSessionStarted = New(2002, "session already started")
	ErrSessionStopped = New(2003, "session not running")
	ErrNoActiveConv   = New(2004, "no active conversation")

	// Message errors (4xxx)
	ErrMessageNotFound = New(4001, "message not found")
	ErrEmptyMessage    = New(4002, "message has no body and no attachment")
	ErrConvNotFound    = New(4003, "conversation not found")
	ErrSendFailed      = New(4005, "message send failed")

	// Transport errors (5xxx)
	ErrConnClosed       = New(5002, "connection closed")
	ErrInvalidProtocol  = New(5003, "invalid protocol")
	ErrEmitFailed       = New(5004, "emit failed")
	ErrNotConnected     = New(5005, "transport not connected")
	ErrWriteChannelFull = New(5006, "write channel full")

	// Store errors (6xxx)
	ErrStoreUnavailable = New(6001, "conversation store unavailable")
	ErrBadResponse      = New(6002, "malformed store response")
)
