package service

import (
	"context"
	"net/http"
	"time"
)

// RegisterBuiltins adds the echo, ping and time operations
func RegisterBuiltins(r *Registry) error {
	ops := []Operation{
		{
			Name:    "echo",
			Summary: "Returns the request parameters unchanged",
			Input:   []Param{{Name: "value", Type: TypeObject}},
			Output:  []Param{{Name: "value", Type: TypeObject}},
			Routes:  []Route{{Method: http.MethodGet, Path: "/echo/:value"}},
			Handler: func(ctx context.Context, call *Call) (Document, error) {
				return call.Params.Clone(), nil
			},
		},
		{
			Name:    "ping",
			Summary: "Liveness check",
			Output:  []Param{{Name: "pong", Type: TypeBoolean, Required: true}},
			Routes:  []Route{{Method: http.MethodGet, Path: "/ping"}},
			Handler: func(ctx context.Context, call *Call) (Document, error) {
				return Document{"pong": true}, nil
			},
		},
		{
			Name:    "time",
			Summary: "Current server time",
			Output: []Param{
				{Name: "time", Type: TypeString, Required: true},
				{Name: "unix", Type: TypeInteger, Required: true},
			},
			Routes: []Route{{Method: http.MethodGet, Path: "/time"}},
			Handler: func(ctx context.Context, call *Call) (Document, error) {
				now := time.Now().UTC()
				return Document{"time": now.Format(time.RFC3339), "unix": now.Unix()}, nil
			},
		},
	}
	for _, op := range ops {
		if err := r.Register(op); err != nil {
			return err
		}
	}
	return nil
}
