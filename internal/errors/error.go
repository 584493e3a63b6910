package errors

import stderrors "errors"

type Kind int

const (
	KindArgument Kind = iota + 1
	KindConnection
	KindSubscription
	KindHandler
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "argument"
	case KindConnection:
		return "connection"
	case KindSubscription:
		return "subscription"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Cause   error // the underlying error
}

func NewError(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

func Argument(message string) *Error {
	return NewError(KindArgument, message, nil)
}

func Connection(message string, cause error) *Error {
	return NewError(KindConnection, message, cause)
}

func Subscription(message string, cause error) *Error {
	return NewError(KindSubscription, message, cause)
}

func Handler(message string, cause error) *Error {
	return NewError(KindHandler, message, cause)
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) GetKind() Kind {
	return e.Kind
}

// IsKind reports whether err carries an *Error of the given kind anywhere
// in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if IsKind(err, KindArgument) {
		return -1
	}
	return 1
}
