package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable category surfaced to callers and events. User
// visible failures name the category, never implementation details.
type ErrorKind string

const (
	// Admission
	ERR_POLICY_DENIED  ErrorKind = "PolicyDenied"
	ERR_QUOTA_EXCEEDED ErrorKind = "QuotaExceeded"

	// Scheduling
	ERR_ALLOCATOR_UNAVAILABLE ErrorKind = "AllocatorUnavailable"
	ERR_IMAGE_PULL_FAILED     ErrorKind = "ImagePullFailed"
	ERR_BOOT_TIMEOUT          ErrorKind = "BootTimeout"

	// Engine
	ERR_MODEL_NOT_FOUND       ErrorKind = "ModelNotFound"
	ERR_MODEL_PARSE           ErrorKind = "ModelParseError"
	ERR_FRAMEBUFFER_TOO_SMALL ErrorKind = "FramebufferTooSmall"
	ERR_ACTION_SHAPE          ErrorKind = "ActionShapeError"
	ERR_NOT_SUPPORTED         ErrorKind = "NotSupported"

	// Sandbox
	ERR_TIMEOUT              ErrorKind = "Timeout"
	ERR_MEMORY_EXCEEDED      ErrorKind = "MemoryExceeded"
	ERR_RUNTIME_FAULT        ErrorKind = "RuntimeFault"
	ERR_SYNTAX               ErrorKind = "SyntaxError"
	ERR_UNSUPPORTED_LANGUAGE ErrorKind = "UnsupportedLanguage"

	// Session
	ERR_ALREADY_EXISTS_DIFFERENT ErrorKind = "AlreadyExistsDifferent"
	ERR_SESSION_NOT_FOUND        ErrorKind = "SessionNotFound"
	ERR_SESSION_TERMINATED       ErrorKind = "SessionTerminated"

	// Signaling
	ERR_BROADCASTER_PRESENT ErrorKind = "BroadcasterPresent"
	ERR_ROOM_NOT_FOUND      ErrorKind = "RoomNotFound"
	ERR_PEER_UNKNOWN        ErrorKind = "PeerUnknown"

	// Transport
	ERR_DEADLINE_EXCEEDED ErrorKind = "DeadlineExceeded"
	ERR_CANCELED          ErrorKind = "Canceled"
	ERR_INTERNAL          ErrorKind = "Internal"
)

// QuotaExceeded sub-reasons
const (
	QUOTA_CONCURRENT     = "concurrent"
	QUOTA_GPU_CONCURRENT = "gpu_concurrent"
	QUOTA_CPU_MINUTE_CAP = "cpu_minute_cap"
	QUOTA_GPU_MINUTE_CAP = "gpu_minute_cap"
)

// Error is a categorized error. SubReason refines the kind for admission
// denials (e.g. QuotaExceeded/concurrent).
type Error struct {
	Kind      ErrorKind `json:"kind"`
	SubReason string    `json:"sub_reason,omitempty"`
	Message   string    `json:"message"`
	wrapped   error
}

func (e *Error) Error() string {
	if e.SubReason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.SubReason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is matches two categorized errors by kind
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError creates a categorized error
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause under a category
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// QuotaError creates a QuotaExceeded error with its sub-reason
func QuotaError(subReason, format string, args ...interface{}) *Error {
	return &Error{Kind: ERR_QUOTA_EXCEEDED, SubReason: subReason, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the category of err, or ERR_INTERNAL for uncategorized errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ERR_INTERNAL
}

// SubReasonOf extracts the sub-reason of err, if any
func SubReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.SubReason
	}
	return ""
}

// IsKind reports whether err carries the given category
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
