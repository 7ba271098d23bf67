// Package dispatch serves HTTP/1.1 connections. Each request is classified
// into one protocol branch and answered with exactly one response.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/netcore/internal/bufreader"
	"github.com/codefionn/netcore/internal/codec"
	"github.com/codefionn/netcore/internal/consts"
	"github.com/codefionn/netcore/internal/describe"
	"github.com/codefionn/netcore/internal/logger"
	"github.com/codefionn/netcore/internal/server"
	"github.com/codefionn/netcore/internal/service"
	"github.com/codefionn/netcore/internal/soap"
	"github.com/codefionn/netcore/internal/socket"
	"github.com/codefionn/netcore/internal/static"
	"github.com/codefionn/netcore/internal/wire"
	"github.com/codefionn/netcore/internal/wsbridge"
)

// awaitSlice bounds one readiness wait so draining and cancellation are
// noticed while a connection idles
const awaitSlice = 250 * time.Millisecond

// Authenticator turns an Authorization header into a principal
type Authenticator interface {
	Authenticate(ctx context.Context, header string) (string, error)
}

// RouteMatcher resolves REST routes to operations
type RouteMatcher interface {
	Match(method, path string) (op string, params map[string]string, ok bool)
}

// Options configures a Dispatcher
type Options struct {
	Service service.Service
	// Routes defaults to Service when it is a *service.Registry
	Routes RouteMatcher
	// Describer defaults to one over Service when it is a *service.Registry
	Describer *describe.Describer
	// Static serves files; nil answers static requests with 404
	Static *static.Cache
	// Bridge defaults to a bridge over Service
	Bridge *wsbridge.Bridge
	// Codecs defaults to codec.Default()
	Codecs *codec.Registry
	// Auth is nil for anonymous access
	Auth Authenticator

	// Namespace of SOAP response elements, derived from the registry name
	Namespace string
	RPCPath   string
	// Compression lists the response codings offered, in preference order
	Compression []string

	AllowCORS      bool
	KeepAlive      bool
	SuppressStatus bool
	RequestTimeout time.Duration
	Limits         wire.Limits
	LogDetails     LogDetails
	Logger         *logger.Logger
}

// Dispatcher holds what every connection shares
type Dispatcher struct {
	opts        Options
	log         *logger.Logger
	slog        *slog.Logger
	routes      RouteMatcher
	describer   *describe.Describer
	bridge      *wsbridge.Bridge
	codecs      *codec.Registry
	compression []string
	serial      atomic.Uint64
}

// New validates opts and fills in defaults
func New(opts Options) (*Dispatcher, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("dispatch: service is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	if opts.RPCPath == "" {
		opts.RPCPath = "/rpc"
	}
	if !strings.HasPrefix(opts.RPCPath, "/") {
		opts.RPCPath = "/" + opts.RPCPath
	}
	opts.RPCPath = strings.TrimSuffix(opts.RPCPath, "/")
	if opts.RPCPath == "" {
		return nil, fmt.Errorf("dispatch: rpc path must not be the root")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = consts.Timeout30Seconds
	}
	if opts.Limits == (wire.Limits{}) {
		opts.Limits = wire.DefaultLimits()
	}

	d := &Dispatcher{
		opts:      opts,
		log:       log,
		slog:      slog.New(logger.NewSlogHandler(log)),
		routes:    opts.Routes,
		describer: opts.Describer,
		bridge:    opts.Bridge,
		codecs:    opts.Codecs,
	}
	if reg, ok := opts.Service.(*service.Registry); ok {
		if d.routes == nil {
			d.routes = reg
		}
		if d.describer == nil {
			d.describer = describe.New(reg, opts.RPCPath)
		}
		if d.opts.Namespace == "" {
			d.opts.Namespace = soap.TargetNamespace(reg.Name())
		}
	}
	if d.opts.Namespace == "" {
		d.opts.Namespace = soap.TargetNamespace("netcore")
	}
	if d.bridge == nil {
		d.bridge = wsbridge.New(opts.Service, log)
	}
	if d.codecs == nil {
		d.codecs = codec.Default()
	}
	d.codecs.SetLimit(opts.Limits.MaxBodyBytes)
	for _, name := range opts.Compression {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if !d.codecs.Supports(name) {
			return nil, fmt.Errorf("dispatch: unsupported compression %q", name)
		}
		d.compression = append(d.compression, name)
	}
	return d, nil
}

// Bridge returns the websocket bridge, e.g. to broadcast to sessions
func (d *Dispatcher) Bridge() *wsbridge.Bridge {
	return d.bridge
}

// Requests returns how many requests have been answered or handed to the
// websocket bridge so far
func (d *Dispatcher) Requests() uint64 {
	return d.serial.Load()
}

// Factory adapts the dispatcher to server.Options.Factory
func (d *Dispatcher) Factory() server.Factory {
	return func(ct server.ConnectionType, sock socket.Socket) (server.Connection, error) {
		return d.NewConnection(sock), nil
	}
}

// Connection serves the requests of one accepted socket in arrival order
type Connection struct {
	d      *Dispatcher
	sock   socket.Socket
	r      *bufreader.Reader
	remote string
	secure bool
	served int
}

// NewConnection wraps sock. The socket is switched to non-blocking reads
// bounded by the request timeout.
func (d *Dispatcher) NewConnection(sock socket.Socket) *Connection {
	sock.SetBlocking(false)
	_, secure := sock.(*socket.TLSSocket)
	return &Connection{
		d:      d,
		sock:   sock,
		r:      bufreader.New(sock, bufreader.WithTimeout(d.opts.RequestTimeout)),
		remote: remoteIP(sock.RemoteAddr()),
		secure: secure,
	}
}

// Served returns the number of requests answered so far
func (c *Connection) Served() int {
	return c.served
}

// Run serves requests until the peer leaves, keep-alive ends, the server
// drains or ctx is cancelled. The caller closes the socket.
func (c *Connection) Run(ctx context.Context) error {
	for {
		ok, err := c.awaitRequest(ctx)
		if err != nil || !ok {
			return err
		}
		keep, err := c.serveRequest(ctx)
		if err != nil || !keep {
			return err
		}
	}
}

// awaitRequest waits for the first byte of the next request
func (c *Connection) awaitRequest(ctx context.Context) (bool, error) {
	if c.r.Buffered() > 0 {
		return true, nil
	}
	draining := server.Draining(ctx)
	deadline := time.Now().Add(c.d.opts.RequestTimeout)
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-draining:
			c.d.log.Debug("Closing idle connection from %s, server is stopping", c.remote)
			return false, nil
		default:
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			c.d.log.Debug("Connection from %s idle for %s, closing", c.remote, c.d.opts.RequestTimeout)
			return false, nil
		}
		ready, err := c.sock.ReadyToRead(min(wait, awaitSlice))
		if err != nil {
			if socket.IsClosed(err) {
				return false, nil
			}
			return false, fmt.Errorf("wait for request: %w", err)
		}
		if ready {
			return true, nil
		}
	}
}

// reply is a branch result before the shared response rules apply
type reply struct {
	resp  wire.Response
	fault *service.Fault
	// close ends the connection after this response
	close bool
}

func (c *Connection) newInfo() *RequestInfo {
	return &RequestInfo{
		RemoteIP: c.remote,
		Start:    time.Now(),
	}
}

// count assigns the serial once a request is known to be answered
func (c *Connection) count(info *RequestInfo) {
	info.Serial = c.d.serial.Add(1)
}

// serveRequest reads, routes and answers one request. It reports whether
// the connection may serve another.
func (c *Connection) serveRequest(ctx context.Context) (bool, error) {
	info := c.newInfo()
	req, err := wire.ReadRequest(c.r, c.d.opts.Limits)
	if err != nil {
		return c.readFailed(ctx, info, err)
	}
	c.count(info)
	info.fromRequest(req)

	branch := c.d.Classify(req)
	info.Branch = branch

	var rep reply
	switch branch {
	case BranchOptions:
		rep = reply{resp: wire.Preflight(c.d.opts.AllowCORS, false)}
	case BranchWebsocket:
		return c.serveWebsocket(ctx, req, info)
	case BranchDescriptor:
		rep = c.serveDescriptor(req, info)
	case BranchJSON:
		rep = c.serveJSON(ctx, req, info)
	case BranchSOAP:
		rep = c.serveSOAP(ctx, req, info)
	case BranchStatic:
		rep = c.serveStatic(req, info)
	default:
		rep = c.d.jsonFault(service.NewFault(http.StatusMethodNotAllowed, "method %s not allowed", req.Method))
		if req.Method == http.MethodHead {
			rep.resp.Extra.Add("Allow", operationMethods)
		} else {
			rep.resp.Extra.Add("Allow", allowedMethods)
		}
	}
	return c.respond(ctx, req, info, rep)
}

// readFailed answers what can be answered when no request could be read
func (c *Connection) readFailed(ctx context.Context, info *RequestInfo, err error) (bool, error) {
	var pe *wire.ProtocolError
	switch {
	case errors.Is(err, io.EOF):
		return false, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.d.log.Debug("Connection from %s closed mid-request", c.remote)
		return false, nil
	case errors.As(err, &pe):
		c.count(info)
		rep := c.d.jsonFault(service.NewFault(pe.Status, "%s", pe.Reason))
		rep.close = pe.Close
		return c.respond(ctx, nil, info, rep)
	case errors.Is(err, bufreader.ErrTimeout):
		c.count(info)
		rep := c.d.jsonFault(service.NewFault(http.StatusRequestTimeout, "request not received within %s", c.d.opts.RequestTimeout))
		rep.close = true
		_, werr := c.respond(ctx, nil, info, rep)
		if werr != nil {
			c.d.log.Debug("Failed to send timeout response to %s: %v", c.remote, werr)
		}
		return false, nil
	case socket.IsClosed(err):
		return false, nil
	default:
		return false, fmt.Errorf("read request: %w", err)
	}
}

// respond applies compression, status suppression and connection rules,
// then writes the response in one call
func (c *Connection) respond(ctx context.Context, req *wire.Request, info *RequestInfo, rep reply) (bool, error) {
	resp := rep.resp
	info.Output.Body = resp.Body

	if rep.fault != nil {
		info.FaultStatus = rep.fault.Status
		if rep.fault.Status == http.StatusUnauthorized {
			resp.Extra.Add("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", c.d.opts.Namespace))
		}
	} else if req != nil && resp.Status >= 200 && resp.Status < 300 {
		c.compress(req, &resp)
	}
	if c.d.opts.SuppressStatus && resp.Status >= http.StatusBadRequest {
		resp.Status = http.StatusAccepted
	}

	wantsClose := req != nil && req.WantsClose()
	keep := c.d.opts.KeepAlive && !rep.close && !wantsClose
	resp.KeepAlive = keep
	resp.CORS = c.d.opts.AllowCORS
	if req != nil && req.Method == http.MethodHead {
		resp.HeadOnly = true
	}

	out := resp.Bytes()
	info.Status = resp.Status
	info.Output.Raw = resp.Body
	info.Output.Encoding = resp.Encoding
	info.WireBytes = len(out)

	_, err := c.sock.Write(out)
	c.served++
	c.d.logCompletion(ctx, info)
	if err != nil {
		if socket.IsClosed(err) {
			return false, nil
		}
		return false, fmt.Errorf("write response: %w", err)
	}
	return keep, nil
}

// compress encodes a successful body with the best coding both sides accept
func (c *Connection) compress(req *wire.Request, resp *wire.Response) {
	if len(c.d.compression) == 0 || resp.Encoding != "" || len(resp.Body) < consts.MinCompressSize {
		return
	}
	resp.Extra.Add("Vary", "Accept-Encoding")
	enc := wire.NegotiateEncoding(req.Headers.Get("Accept-Encoding"), c.d.compression)
	if enc == "" {
		return
	}
	body, err := c.d.codecs.Encode(enc, resp.Body)
	if err != nil {
		c.d.log.Warn("Failed to %s-encode response for %s: %v", enc, c.remote, err)
		return
	}
	resp.Body = body
	resp.Encoding = enc
}

func (d *Dispatcher) logCompletion(ctx context.Context, info *RequestInfo) {
	d.slog.LogAttrs(ctx, info.level(), "request completed", info.attrs(d.opts.LogDetails)...)
}

// baseURL is what descriptors substitute for their address placeholder
func (c *Connection) baseURL(req *wire.Request) string {
	scheme := "http"
	if c.secure {
		scheme = "https"
	}
	host := req.Host()
	if host == "" {
		if addr := c.sock.LocalAddr(); addr != nil {
			host = addr.String()
		}
	}
	return scheme + "://" + host
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
