package audit

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind classifies a failed operation.
type Kind int

// Error kinds.
const (
	KindInternal Kind = iota
	KindInvalidInput
	KindNotFound
	KindConflict
	KindForbidden
	KindInvalidState
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Error is returned by every service operation that fails for a reason the
// caller can act on. Storage failures are returned wrapped, not as *Error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by code when the target has one, else by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidInput     = &Error{Kind: KindInvalidInput}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrAlreadyClosed    = &Error{Kind: KindInvalidState, Code: "already_closed"}
	ErrMissingLocation  = &Error{Kind: KindInvalidState, Code: "missing_location"}
	ErrClosing          = &Error{Kind: KindInvalidState, Code: "closing"}
	ErrSessionOpen      = &Error{Kind: KindConflict, Code: "session_open"}
	ErrMissingLotNumber = &Error{Kind: KindInvalidInput, Code: "missing_lot_number"}
)

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func codedError(sentinel *Error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: fmt.Sprintf(format, args...)}
}

func forbidden(capability string) *Error {
	return newError(KindForbidden, "missing capability %s", capability)
}

// InvalidFields turns validator failures into an InvalidInput error naming
// each offending field.
func InvalidFields(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Kind: KindInvalidInput, Message: "invalid input", Err: err}
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	sort.Strings(fields)
	return newError(KindInvalidInput, "invalid %s", strings.Join(fields, ", "))
}
