package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-bridge/internal/handle"
)

// Error kinds.
const (
	KindOperation        = "operation"
	KindMalformedRequest = "malformed_request"
	KindSerialization    = "serialization"
	KindTypeMismatch     = "type_mismatch"
	KindMalformedHandle  = "malformed_handle"
	KindStaleHandle      = "stale_handle"
	KindHandleBusy       = "handle_busy"
	KindPanic            = "panic"
	KindUnsupported      = "unsupported"
)

// Error codes.
const (
	CodeOperation        = -1
	CodeMalformedRequest = -1003
	CodeSerialization    = -1004
	CodeTypeMismatch     = -1005
	CodeStaleHandle      = -1006
	CodeHandleBusy       = -1007
	CodePanic            = -1008
	CodeUnsupported      = -1009
)

// fallbackError is returned when an error envelope cannot itself be encoded.
const fallbackError = `{"error":"can't serialize error","kind":"serialization","code":-1000}`

// Error is the envelope returned to the host for a failed call.
type Error struct {
	Message string `json:"error"`
	Kind    string `json:"kind"`
	Code    int    `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

func newError(kind string, code int, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Kind: kind, Code: code}
}

func malformed(format string, args ...any) *Error {
	return newError(KindMalformedRequest, CodeMalformedRequest, format, args...)
}

// classify maps an error to its envelope.
func classify(err error) *Error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, handle.ErrTypeMismatch):
		return newError(KindTypeMismatch, CodeTypeMismatch, "%v", err)
	case errors.Is(err, handle.ErrMalformedHandle):
		return newError(KindMalformedHandle, CodeTypeMismatch, "%v", err)
	case errors.Is(err, handle.ErrStaleHandle):
		return newError(KindStaleHandle, CodeStaleHandle, "%v", err)
	case errors.Is(err, handle.ErrHandleBusy):
		return newError(KindHandleBusy, CodeHandleBusy, "%v", err)
	default:
		return newError(KindOperation, CodeOperation, "%v", err)
	}
}

// isHandleError reports whether e was raised before the resource was touched.
func isHandleError(e *Error) bool {
	switch e.Kind {
	case KindTypeMismatch, KindMalformedHandle, KindStaleHandle, KindHandleBusy:
		return true
	}
	return false
}

// encode renders the envelope, falling back to a fixed literal.
func (e *Error) encode() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fallbackError
	}
	return string(data)
}
