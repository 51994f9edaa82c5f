package smartcard

import (
	"context"
	"errors"
	"strings"
)

// ErrorClassifier maps native errors of one backend, usually by numeric
// code, into canonical errors. Transports implement it optionally.
type ErrorClassifier interface {
	ClassifyError(err error) (*Error, bool)
}

// ClassifierFunc adapts a function to ErrorClassifier.
type ClassifierFunc func(err error) (*Error, bool)

// ClassifyError calls f.
func (f ClassifierFunc) ClassifyError(err error) (*Error, bool) {
	return f(err)
}

type signature struct {
	patterns []string
	kind     Kind
	reason   Reason
	message  string
}

// signatures is checked in order against the lower-cased error text. Native
// exception class names from phone radios arrive as part of that text.
var signatures = []signature{
	{
		patterns: []string{"taglostexception", "tag was lost", "tag lost", "card removed", "card was removed",
			"removed card", "has been removed", "target released", "no smart card", "card is unpowered", "card has been reset"},
		kind:    KindPlatformError,
		reason:  ReasonCardRemoved,
		message: "card removed during operation",
	},
	{
		patterns: []string{"securityexception", "permission denied", "not permitted", "access denied",
			"security violation", "sharing violation"},
		kind:    KindPlatformError,
		reason:  ReasonPermissionDenied,
		message: "permission or security denial",
	},
	{
		patterns: []string{"illegalargumentexception", "invalid argument", "invalid parameter", "malformed"},
		kind:     KindInvalidParameter,
		message:  "malformed argument",
	},
	{
		patterns: []string{"timeout", "timed out", "deadline exceeded"},
		kind:     KindTimeout,
		message:  "transport timeout",
	},
	{
		patterns: []string{"no readers", "no reader available", "no nfc device"},
		kind:     KindNoReaders,
		message:  "no readers available",
	},
	{
		patterns: []string{"reader unavailable", "unknown reader", "no such device", "device not found",
			"device disconnected", "device not connected"},
		kind:    KindReaderError,
		reason:  ReasonDeviceGone,
		message: "reader is no longer available",
	},
	{
		patterns: []string{"illegalstateexception", "closed", "not connected", "connection lost", "use of closed"},
		kind:     KindPlatformError,
		reason:   ReasonChannelClosed,
		message:  "channel closed",
	},
	{
		patterns: []string{"not supported", "unsupported", "not implemented", "unsupportedoperationexception"},
		kind:     KindUnsupportedOperation,
		message:  "operation not supported by transport",
	},
	{
		patterns: []string{"buffer overflow", "insufficient buffer", "out of memory", "no memory", "too many",
			"transceivetoolong", "exceeds max"},
		kind:    KindResourceLimit,
		message: "transport resource limit",
	},
	{
		patterns: []string{"rf transmission", "comm error", "communication error", "transmission error"},
		kind:     KindTransmissionError,
		message:  "transmission failure",
	},
	{
		patterns: []string{"ioexception", "i/o error", "input/output error", "broken pipe"},
		kind:     KindPlatformError,
		message:  "I/O failure",
	},
}

// MapTransportError converts any error into exactly one canonical error.
// It never panics, passes canonical errors through unchanged, and maps nil
// to nil, so it can be used unconditionally at every native-call boundary.
func MapTransportError(raw error, classifiers ...ErrorClassifier) (mapped *Error) {
	if raw == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			mapped = Errorf(KindPlatformError, "", "unclassifiable transport error: %v", r)
		}
	}()

	var canon *Error
	if errors.As(raw, &canon) {
		return canon
	}

	switch {
	case errors.Is(raw, context.DeadlineExceeded):
		return WrapError(KindTimeout, "", "operation deadline exceeded", raw)
	case errors.Is(raw, context.Canceled):
		return &Error{Kind: KindPlatformError, Reason: ReasonInterrupted, Message: "operation cancelled", Cause: raw}
	}

	for _, c := range classifiers {
		if c == nil {
			continue
		}
		if e, ok := safeClassify(c, raw); ok && e != nil {
			return e
		}
	}

	text := strings.ToLower(raw.Error())
	for _, sig := range signatures {
		for _, p := range sig.patterns {
			if strings.Contains(text, p) {
				return &Error{Kind: sig.kind, Reason: sig.reason, Message: sig.message, Cause: raw}
			}
		}
	}

	return WrapError(KindPlatformError, "", "transport failure", raw)
}

func safeClassify(c ErrorClassifier, raw error) (mapped *Error, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mapped, ok = nil, false
		}
	}()
	return c.ClassifyError(raw)
}

// withOp stamps op onto a mapped error that has none.
func withOp(e *Error, op string) *Error {
	if e == nil || e.Op != "" {
		return e
	}
	cp := *e
	cp.Op = op
	return &cp
}
