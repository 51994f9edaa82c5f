package smartcard

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the canonical failure category every public operation reports.
type Kind int

const (
	KindPlatformError Kind = iota
	KindNotInitialized
	KindAlreadyInitialized
	KindNoReaders
	KindReaderError
	KindNotConnected
	KindAlreadyConnected
	KindCardNotPresent
	KindTransmissionError
	KindProtocolError
	KindTimeout
	KindResourceLimit
	KindInvalidParameter
	KindUnsupportedOperation
)

var kindNames = map[Kind]string{
	KindPlatformError:        "PlatformError",
	KindNotInitialized:       "NotInitialized",
	KindAlreadyInitialized:   "AlreadyInitialized",
	KindNoReaders:            "NoReaders",
	KindReaderError:          "ReaderError",
	KindNotConnected:         "NotConnected",
	KindAlreadyConnected:     "AlreadyConnected",
	KindCardNotPresent:       "CardNotPresent",
	KindTransmissionError:    "TransmissionError",
	KindProtocolError:        "ProtocolError",
	KindTimeout:              "Timeout",
	KindResourceLimit:        "ResourceLimit",
	KindInvalidParameter:     "InvalidParameter",
	KindUnsupportedOperation: "UnsupportedOperation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Reason refines a Kind. It separates end-of-life conditions, which
// teardown treats as benign, from hard failures.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonAlreadyReleased
	ReasonCardRemoved
	ReasonDeviceGone
	ReasonChannelClosed
	ReasonPermissionDenied
	ReasonInterrupted
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAlreadyReleased:
		return "already released"
	case ReasonCardRemoved:
		return "card removed"
	case ReasonDeviceGone:
		return "device gone"
	case ReasonChannelClosed:
		return "channel closed"
	case ReasonPermissionDenied:
		return "permission denied"
	case ReasonInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Error is the only error type the engine returns.
type Error struct {
	Kind    Kind
	Reason  Reason
	Op      string // operation that failed, e.g. "Transmit"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the transport error the canonical error was mapped from.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by Kind, so errors.Is(err, ErrTimeout) works for any timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != ReasonNone && t.Reason != e.Reason {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotInitialized       = &Error{Kind: KindNotInitialized}
	ErrAlreadyInitialized   = &Error{Kind: KindAlreadyInitialized}
	ErrNoReaders            = &Error{Kind: KindNoReaders}
	ErrReader               = &Error{Kind: KindReaderError}
	ErrNotConnected         = &Error{Kind: KindNotConnected}
	ErrAlreadyConnected     = &Error{Kind: KindAlreadyConnected}
	ErrCardNotPresent       = &Error{Kind: KindCardNotPresent}
	ErrTransmission         = &Error{Kind: KindTransmissionError}
	ErrProtocol             = &Error{Kind: KindProtocolError}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrResourceLimit        = &Error{Kind: KindResourceLimit}
	ErrInvalidParameter     = &Error{Kind: KindInvalidParameter}
	ErrUnsupportedOperation = &Error{Kind: KindUnsupportedOperation}
	ErrPlatform             = &Error{Kind: KindPlatformError}
)

// NewError creates a canonical error with no cause.
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Errorf creates a canonical error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a canonical error around a native cause.
func WrapError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func newReasonError(kind Kind, reason Reason, op, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Message: message}
}

func errSessionReleased(op string) *Error {
	return newReasonError(KindPlatformError, ReasonAlreadyReleased, op, "session already released")
}

func errDeviceReleased(op string) *Error {
	return newReasonError(KindPlatformError, ReasonAlreadyReleased, op, "device already released")
}

func errInterrupted(op string, kind Kind) *Error {
	return newReasonError(kind, ReasonInterrupted, op, "interrupted by lifecycle event")
}

// AsError extracts the canonical error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the canonical kind of err, or KindPlatformError when err
// carries none.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindPlatformError
}

// ReasonOf returns the sub-classification of err.
func ReasonOf(err error) Reason {
	if e, ok := AsError(err); ok {
		return e.Reason
	}
	return ReasonNone
}

// IsKind reports whether err is a canonical error of kind k.
func IsKind(err error, k Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == k
}

// IsBenign reports end-of-life failures that teardown may ignore: the
// resource is already released, or the device, card, or channel went away
// underneath it.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	switch ReasonOf(err) {
	case ReasonAlreadyReleased, ReasonDeviceGone, ReasonChannelClosed, ReasonCardRemoved:
		return true
	}
	return false
}

// IsCardRemoved reports whether err was caused by the card leaving the field.
func IsCardRemoved(err error) bool {
	return ReasonOf(err) == ReasonCardRemoved
}

// IsInterrupted reports whether err resolved a pending operation cancelled
// by a forced lifecycle interruption.
func IsInterrupted(err error) bool {
	return ReasonOf(err) == ReasonInterrupted
}
