package jsonrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no response arrived within the call timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is returned for requests that were outstanding when the dispatcher stopped,
	// and for requests sent after that.
	ErrClosed = errors.New("dispatcher closed")
	// ErrDuplicateID is returned when the caller picks an id that is already outstanding.
	ErrDuplicateID = errors.New("request id is already outstanding")
	// ErrMalformed matches any *MalformedError.
	ErrMalformed = errors.New("malformed message")

	// ErrMethodNotFound matches remote errors with CodeMethodNotFound.
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound}
	// ErrInvalidParams matches remote errors with CodeInvalidParams.
	ErrInvalidParams = &Error{Code: CodeInvalidParams}
	// ErrInternal matches remote errors with CodeInternalError.
	ErrInternal = &Error{Code: CodeInternalError}
)

// MalformedError is returned by a Transport for a delivery that could not be turned
// into a Message. ID is the id recovered from the raw delivery, if any, and Code is
// CodeParseError or CodeInvalidRequest.
type MalformedError struct {
	ID   ID
	Code int
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message (id %s): %v", e.ID, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func (*MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func (e *MalformedError) response() *Error {
	if e.Code == CodeInvalidRequest {
		msg := "malformed request"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return InvalidRequest(e.ID, msg)
	}
	return ParseError(e.ID)
}
