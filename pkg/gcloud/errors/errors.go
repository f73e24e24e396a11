package errors

import (
	"fmt"
)

var ErrAuth = fmt.Errorf("authentication failed")
var ErrBadResponse = fmt.Errorf("bad response")
var ErrCursorNotBound = fmt.Errorf("no argument can carry the cursor (%w)", ErrInvalidQuery)
var ErrInternal = fmt.Errorf("internal error")
var ErrInvalidKeyFormat = fmt.Errorf("invalid key format")
var ErrInvalidQuery = fmt.Errorf("invalid query")
var ErrRequest = fmt.Errorf("request error")
var ErrTransactionBegin = fmt.Errorf("failed to begin transaction")
var ErrTransactionState = fmt.Errorf("invalid transaction state")
var ErrUnsupportedValue = fmt.Errorf("unsupported value")

type myError struct {
	msg    string
	target error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }
func (m myError) Unwrap() error        { return m.target }

func NewAuthError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrAuth,
	}
}

// NewInvalidKeyFormatError reports a malformed key path element at index idx.
func NewInvalidKeyFormatError(idx int, reason string) error {
	return &myError{
		msg:    fmt.Sprintf("invalid key path element at index %d: %s", idx, reason),
		target: ErrInvalidKeyFormat,
	}
}

func NewInvalidQueryError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrInvalidQuery,
	}
}

// NewCursorNotBoundError reports a gql query whose next page cannot be
// requested. It matches both ErrCursorNotBound and ErrInvalidQuery.
func NewCursorNotBoundError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrCursorNotBound,
	}
}

func NewTransactionStateError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrTransactionState,
	}
}

func NewUnsupportedValueError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrUnsupportedValue,
	}
}

// TransactionBeginError carries the status code and error payload returned by a
// failed beginTransaction call.
type TransactionBeginError struct {
	StatusCode int
	Errors     any
}

func (e TransactionBeginError) Error() string {
	return fmt.Sprintf("begin transaction returned status code %d", e.StatusCode)
}

func (e TransactionBeginError) Is(target error) bool { return target == ErrTransactionBegin }

func NewTransactionBeginError(statusCode int, errs any) error {
	return &TransactionBeginError{
		StatusCode: statusCode,
		Errors:     errs,
	}
}
