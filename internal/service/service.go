// Package service holds the operations a server exposes and executes calls
// against them.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Document is a decoded request or response body
type Document map[string]any

// Clone returns a shallow copy
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Fault is an application error with an HTTP status
type Fault struct {
	Status  int
	Message string
	Err     error
}

// NewFault creates a fault with a formatted message
func NewFault(status int, format string, args ...any) *Fault {
	return &Fault{Status: status, Message: fmt.Sprintf(format, args...)}
}

// WrapFault attaches status and message to err
func WrapFault(status int, err error, message string) *Fault {
	return &Fault{Status: status, Message: message, Err: err}
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%d %s: %v", f.Status, f.Message, f.Err)
	}
	return fmt.Sprintf("%d %s", f.Status, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// StatusText returns the reason phrase of the fault status
func (f *Fault) StatusText() string {
	if text := http.StatusText(f.Status); text != "" {
		return text
	}
	return "Unknown"
}

// AsFault converts any error into a fault. Errors that are not faults
// become 500 Internal Server Error.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		if f.Status < 400 || f.Status > 599 {
			return &Fault{Status: http.StatusInternalServerError, Message: f.Message, Err: f.Err}
		}
		return f
	}
	return &Fault{Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
}

// Protocol names the branch a call arrived through
type Protocol string

const (
	ProtocolJSON      Protocol = "json"
	ProtocolSOAP      Protocol = "soap"
	ProtocolWebsocket Protocol = "websocket"
)

// Call is one operation invocation
type Call struct {
	Op       string
	Params   Document
	Protocol Protocol
	// Principal is the authenticated user or token name, empty when anonymous
	Principal  string
	RemoteAddr string
	Metadata   map[string]string
}

// Service executes calls
type Service interface {
	Execute(ctx context.Context, call *Call) (Document, error)
}

// Handler implements one operation
type Handler func(ctx context.Context, call *Call) (Document, error)

// ParamType is the schema type of a parameter
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
)

// Param describes one named input or output value
type Param struct {
	Name     string
	Type     ParamType
	Required bool
}

// Route exposes an operation on a REST path, e.g. GET /users/:id
type Route struct {
	Method string
	Path   string
}

// Operation is one registered operation with its description
type Operation struct {
	Name    string
	Summary string
	Input   []Param
	Output  []Param
	Routes  []Route
	Handler Handler
}
