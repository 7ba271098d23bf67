package service

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Registry is a Service dispatching calls to registered operations by name
type Registry struct {
	name string

	mu      sync.RWMutex
	ops     map[string]*Operation
	router  *httprouter.Router
	version uint64
}

// NewRegistry creates an empty registry for the named service
func NewRegistry(name string) *Registry {
	return &Registry{
		name:   name,
		ops:    make(map[string]*Operation),
		router: httprouter.New(),
	}
}

// Name returns the service name
func (r *Registry) Name() string {
	return r.name
}

// Version changes whenever an operation is registered
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// routeCapture receives the operation name from a matched route handle
type routeCapture struct {
	op     string
	header http.Header
}

func (c *routeCapture) Header() http.Header {
	if c.header == nil {
		c.header = make(http.Header)
	}
	return c.header
}
func (c *routeCapture) Write(p []byte) (int, error) { return len(p), nil }
func (c *routeCapture) WriteHeader(int)             {}

// Register adds an operation. Names must be unique and routes must not
// conflict with routes already registered.
func (r *Registry) Register(op Operation) (err error) {
	if op.Name == "" {
		return fmt.Errorf("operation name is required")
	}
	if op.Handler == nil {
		return fmt.Errorf("operation %s has no handler", op.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.Name]; exists {
		return fmt.Errorf("operation %s already registered", op.Name)
	}

	// httprouter panics on conflicting patterns
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("operation %s: route conflict: %v", op.Name, rec)
		}
	}()
	name := op.Name
	for _, route := range op.Routes {
		r.router.Handle(route.Method, route.Path, func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			if c, ok := w.(*routeCapture); ok {
				c.op = name
			}
		})
	}

	stored := op
	r.ops[op.Name] = &stored
	r.version++
	return nil
}

// Handle registers a handler without description or routes
func (r *Registry) Handle(name string, handler Handler) error {
	return r.Register(Operation{Name: name, Handler: handler})
}

// Lookup returns the named operation
func (r *Registry) Lookup(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// Operations returns every operation sorted by name
func (r *Registry) Operations() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, *op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	return ops
}

// Match resolves a REST route to its operation and path parameters
func (r *Registry) Match(method, path string) (string, map[string]string, bool) {
	r.mu.RLock()
	handle, params, _ := r.router.Lookup(method, path)
	r.mu.RUnlock()
	if handle == nil {
		return "", nil, false
	}

	capture := &routeCapture{}
	handle(capture, nil, params)
	if capture.op == "" {
		return "", nil, false
	}
	values := make(map[string]string, len(params))
	for _, p := range params {
		values[p.Key] = p.Value
	}
	return capture.op, values, true
}

// Execute runs the operation named by call.Op
func (r *Registry) Execute(ctx context.Context, call *Call) (Document, error) {
	r.mu.RLock()
	op, ok := r.ops[call.Op]
	r.mu.RUnlock()
	if !ok {
		return nil, NewFault(http.StatusNotFound, "unknown operation %q", call.Op)
	}
	if call.Params == nil {
		call.Params = Document{}
	}
	for _, p := range op.Input {
		if _, present := call.Params[p.Name]; p.Required && !present {
			return nil, NewFault(http.StatusBadRequest, "missing required parameter %q", p.Name)
		}
	}
	return op.Handler(ctx, call)
}

var _ Service = (*Registry)(nil)
