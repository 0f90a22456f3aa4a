package session

import "errors"

// Kind classifies why an operation was rejected.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindConnectivity  Kind = "connectivity"
	KindService       Kind = "service"
	KindStateConflict Kind = "state_conflict"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrConnectivity  = &Error{Kind: KindConnectivity}
	ErrService       = &Error{Kind: KindService}
	ErrStateConflict = &Error{Kind: KindStateConflict}
)

// Error is returned by every rejected controller operation. Message is the
// user-facing text that is also stored as the session's last error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message == "" {
		return string(e.Kind) + " error"
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not a session error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

var messageCodes = map[string]string{
	msgUnreachable:     "unreachable",
	msgDegraded:        "degraded",
	msgModelNotLoaded:  "model_not_loaded",
	msgNotConnected:    "not_connected",
	msgEmptyImage:      "empty_image",
	msgInvalidMode:     "invalid_mode",
	msgBusy:            "busy",
	msgDiscarded:       "discarded",
	msgDetectTimeout:   "detect_timeout",
	msgDetectTransport: "detect_transport",
	msgDetectionFailed: "detection_failed",
}

// MessageCode returns a stable code for one of the controller's own messages.
// Messages that came from the detection service have no code.
func MessageCode(msg string) string {
	return messageCodes[msg]
}

// CodeOf returns the message code of err, or "".
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return MessageCode(se.Message)
	}
	return ""
}
