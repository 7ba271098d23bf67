package dispatch

import (
	"net/http"
	"strings"

	"github.com/codefionn/netcore/internal/describe"
	"github.com/codefionn/netcore/internal/wire"
)

// Branch is the protocol branch serving a request
type Branch int

const (
	BranchNone Branch = iota
	BranchOptions
	BranchWebsocket
	BranchDescriptor
	BranchJSON
	BranchSOAP
	BranchStatic
	BranchMethodNotAllowed
)

func (b Branch) String() string {
	switch b {
	case BranchOptions:
		return "options"
	case BranchWebsocket:
		return "websocket"
	case BranchDescriptor:
		return "descriptor"
	case BranchJSON:
		return "json"
	case BranchSOAP:
		return "soap"
	case BranchStatic:
		return "static"
	case BranchMethodNotAllowed:
		return "method_not_allowed"
	default:
		return "none"
	}
}

// allowedMethods is sent with 405 responses
const allowedMethods = "GET, HEAD, POST, OPTIONS"

// operationMethods is sent when HEAD targets an operation
const operationMethods = "GET, POST, OPTIONS"

// Classify picks the branch for a parsed request. OPTIONS and websocket
// upgrades are decided before anything else looks at the request. HEAD never
// runs an operation, so it is refused wherever it would reach one.
func (d *Dispatcher) Classify(req *wire.Request) Branch {
	branch := d.classify(req)
	if req.Method == http.MethodHead && (branch == BranchJSON || branch == BranchSOAP) {
		return BranchMethodNotAllowed
	}
	return branch
}

func (d *Dispatcher) classify(req *wire.Request) Branch {
	if req.Method == http.MethodOptions {
		return BranchOptions
	}
	if req.IsWebsocketUpgrade() {
		return BranchWebsocket
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return BranchMethodNotAllowed
	}

	if req.Method != http.MethodPost {
		if _, ok := describe.FromQuery(req.Query); ok {
			return BranchDescriptor
		}
	}

	ct := req.ContentType()
	switch {
	case isJSON(ct):
		return BranchJSON
	case isXML(ct):
		return BranchSOAP
	case req.Method == http.MethodPost:
		return BranchJSON
	case d.onRPCPath(req.Path):
		return BranchJSON
	case d.routes != nil:
		method := req.Method
		if method == http.MethodHead {
			method = http.MethodGet
		}
		if _, _, ok := d.routes.Match(method, req.Path); ok {
			return BranchJSON
		}
	}
	return BranchStatic
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || mediaType == "text/json" || strings.HasSuffix(mediaType, "+json")
}

func isXML(mediaType string) bool {
	return mediaType == "text/xml" || mediaType == "application/xml" || strings.HasSuffix(mediaType, "+xml")
}

func isForm(mediaType string) bool {
	return mediaType == "application/x-www-form-urlencoded"
}

// onRPCPath reports whether path is the RPC endpoint or below it
func (d *Dispatcher) onRPCPath(path string) bool {
	rpc := d.opts.RPCPath
	return path == rpc || strings.HasPrefix(path, rpc+"/")
}

// rpcOperation returns the operation named by /rpc/<op>, if any
func (d *Dispatcher) rpcOperation(path string) string {
	if !d.onRPCPath(path) {
		return ""
	}
	rest := strings.Trim(strings.TrimPrefix(path, d.opts.RPCPath), "/")
	if strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
