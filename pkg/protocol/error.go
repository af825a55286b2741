package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the class of a failure. Codes are wire-visible.
type ErrorCode string

const (
	CodeProtocol           ErrorCode = "PROTOCOL_ERROR"       // Malformed or unroutable message
	CodeAuthDenied         ErrorCode = "AUTH_DENIED"          // Credentials rejected
	CodeMountDenied        ErrorCode = "MOUNT_DENIED"         // Auth required but absent/insufficient
	CodeActionNotCallable  ErrorCode = "ACTION_NOT_CALLABLE"  // Not allow-listed, reserved or private
	CodeActionFailed       ErrorCode = "ACTION_FAILED"        // Handler returned an error or panicked
	CodeMountFailed        ErrorCode = "MOUNT_FAILED"         // Mount hook failed or retry blocked
	CodeTypeNotFound       ErrorCode = "TYPE_NOT_FOUND"       // Unknown component type
	CodeComponentNotFound  ErrorCode = "COMPONENT_NOT_FOUND"  // Unknown or invalidated component id
	CodeRehydrationExpired ErrorCode = "REHYDRATION_EXPIRED"  // Blob older than freshness window
	CodeRehydrationInvalid ErrorCode = "REHYDRATION_INVALID"  // Blob malformed or signature bad
	CodeRoomNotFound       ErrorCode = "ROOM_NOT_FOUND"       // Unknown room
	CodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"      // No reply within deadline
	CodeConnectionClosed   ErrorCode = "CONNECTION_CLOSED"    // Transport closed while waiting
	CodeUploadSizeMismatch ErrorCode = "UPLOAD_SIZE_MISMATCH" // Received bytes != declared size
	CodeUploadCancelled    ErrorCode = "UPLOAD_CANCELLED"     // Upload cancelled
	CodeUploadNotFound     ErrorCode = "UPLOAD_NOT_FOUND"     // Unknown upload id
	CodeUploadRejected     ErrorCode = "UPLOAD_REJECTED"      // Type or size policy violation
	CodeInternal           ErrorCode = "INTERNAL"             // Anything else
)

// Error is a coded failure. Two Errors match under errors.Is when their
// codes are equal, regardless of message.
type Error struct {
	Code    ErrorCode
	Message string
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrProtocol           = &Error{Code: CodeProtocol}
	ErrAuthDenied         = &Error{Code: CodeAuthDenied}
	ErrMountDenied        = &Error{Code: CodeMountDenied}
	ErrActionNotCallable  = &Error{Code: CodeActionNotCallable}
	ErrActionFailed       = &Error{Code: CodeActionFailed}
	ErrMountFailed        = &Error{Code: CodeMountFailed}
	ErrTypeNotFound       = &Error{Code: CodeTypeNotFound}
	ErrComponentNotFound  = &Error{Code: CodeComponentNotFound}
	ErrRehydrationExpired = &Error{Code: CodeRehydrationExpired}
	ErrRehydrationInvalid = &Error{Code: CodeRehydrationInvalid}
	ErrRoomNotFound       = &Error{Code: CodeRoomNotFound}
	ErrRequestTimeout     = &Error{Code: CodeRequestTimeout}
	ErrConnectionClosed   = &Error{Code: CodeConnectionClosed}
	ErrUploadSizeMismatch = &Error{Code: CodeUploadSizeMismatch}
	ErrUploadCancelled    = &Error{Code: CodeUploadCancelled}
	ErrUploadNotFound     = &Error{Code: CodeUploadNotFound}
	ErrUploadRejected     = &Error{Code: CodeUploadRejected}
)

// CodeOf returns the code carried by err, or CodeInternal when err has none.
// Decoding failures surface as CodeProtocol.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	switch {
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMissingType),
		errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrFrameTooShort),
		errors.Is(err, ErrHeaderTooLarge):
		return CodeProtocol
	}
	return CodeInternal
}

func messageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

// ErrorPayload is the payload of an ERROR message.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Err converts the payload back into an *Error.
func (p ErrorPayload) Err() *Error {
	code := p.Code
	if code == "" {
		code = CodeInternal
	}
	return &Error{Code: code, Message: p.Message}
}
