package jsonrpc

import (
	"fmt"
)

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is one of *Request, *Success or *Error.
type Message interface {
	MessageID() ID
	isMessage()
}

// Request invokes Method on the peer. A request with a null ID is a notification
// and is never answered.
type Request struct {
	ID     ID
	Method string
	// Params is either named parameters (a map or a struct) or a slice of
	// positional parameters.
	Params any
}

func (r *Request) MessageID() ID { return r.ID }
func (*Request) isMessage()      {}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID.IsNull()
}

func (r *Request) String() string {
	return fmt.Sprintf("request{id: %s, method: %s}", r.ID, r.Method)
}

// Success is a successful response to the request with the same ID.
type Success struct {
	ID     ID
	Result any
}

func (s *Success) MessageID() ID { return s.ID }
func (*Success) isMessage()      {}

func (s *Success) String() string {
	return fmt.Sprintf("success{id: %s}", s.ID)
}

// Error is an error response. It also implements error so that remote failures
// can be returned to callers as is.
type Error struct {
	ID      ID
	Code    int
	Message string
	Data    string
}

func (e *Error) MessageID() ID { return e.ID }
func (*Error) isMessage()      {}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, or any *Error if the target has no code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

func (e *Error) String() string {
	return fmt.Sprintf("error{id: %s, code: %d, message: %q}", e.ID, e.Code, e.Message)
}

// ParseError is sent when a delivery could not be parsed.
func ParseError(id ID) *Error {
	return &Error{ID: id, Code: CodeParseError, Message: "Parse error"}
}

// InvalidRequest is sent when a delivery is not a valid request.
func InvalidRequest(id ID, msg string) *Error {
	return &Error{ID: id, Code: CodeInvalidRequest, Message: "Invalid Request: " + msg}
}

// MethodNotFound is sent when no handler is registered for the method.
func MethodNotFound(id ID, method string) *Error {
	return &Error{ID: id, Code: CodeMethodNotFound, Message: "Method not found: " + method}
}

// InvalidParams is sent when the params can't be converted for the handler.
func InvalidParams(id ID, msg string) *Error {
	return &Error{ID: id, Code: CodeInvalidParams, Message: "Invalid params: " + msg}
}

// InternalError is sent when the handler failed.
func InternalError(id ID, msg string) *Error {
	return &Error{ID: id, Code: CodeInternalError, Message: "Internal error: " + msg}
}
