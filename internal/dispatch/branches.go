package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/codefionn/netcore/internal/codec"
	"github.com/codefionn/netcore/internal/describe"
	"github.com/codefionn/netcore/internal/service"
	"github.com/codefionn/netcore/internal/soap"
	"github.com/codefionn/netcore/internal/static"
	"github.com/codefionn/netcore/internal/wire"
	"github.com/codefionn/netcore/internal/wsbridge"
)

const contentTypeJSON = "application/json"

// opKey is the body or query member naming the operation when the path does not
const opKey = "op"

type faultBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
}

func (d *Dispatcher) jsonFault(f *service.Fault) reply {
	body, _ := json.Marshal(faultBody{Error: f.Message, StatusCode: f.Status, StatusText: f.StatusText()})
	return reply{
		resp:  wire.Response{Status: f.Status, ContentType: contentTypeJSON, Body: body},
		fault: f,
	}
}

func soapFault(v soap.Version, f *service.Fault) reply {
	return reply{
		resp:  wire.Response{Status: f.Status, ContentType: v.ContentType(), Body: soap.EncodeFault(v, f)},
		fault: f,
	}
}

// authenticate checks the Authorization header. A nil fault with an empty
// principal means anonymous access.
func (c *Connection) authenticate(ctx context.Context, req *wire.Request) (string, *service.Fault) {
	if c.d.opts.Auth == nil {
		return "", nil
	}
	principal, err := c.d.opts.Auth.Authenticate(ctx, req.Headers.Get("Authorization"))
	if err != nil {
		return "", service.WrapFault(http.StatusUnauthorized, err, "authentication required")
	}
	return principal, nil
}

// requestBody removes the declared Content-Encoding
func (c *Connection) requestBody(req *wire.Request, info *RequestInfo) ([]byte, *service.Fault) {
	enc := strings.ToLower(strings.TrimSpace(req.Headers.Get("Content-Encoding")))
	if enc == "" || enc == "identity" || len(req.Body) == 0 {
		return req.Body, nil
	}
	info.Input.Encoding = enc
	body, err := c.d.codecs.Decode(enc, req.Body)
	switch {
	case errors.Is(err, codec.ErrUnsupported):
		return nil, service.WrapFault(http.StatusUnsupportedMediaType, err, "unsupported content encoding "+enc)
	case errors.Is(err, codec.ErrTooLarge):
		return nil, service.WrapFault(http.StatusRequestEntityTooLarge, err, "decoded body too large")
	case err != nil:
		return nil, service.WrapFault(http.StatusBadRequest, err, "cannot decode "+enc+" body")
	}
	info.Input.Body = body
	return body, nil
}

func (c *Connection) execute(ctx context.Context, call *service.Call) (service.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, c.d.opts.RequestTimeout)
	defer cancel()
	return c.d.opts.Service.Execute(ctx, call)
}

func (c *Connection) call(req *wire.Request, protocol service.Protocol, op, principal string, params service.Document) *service.Call {
	return &service.Call{
		Op:         op,
		Params:     params,
		Protocol:   protocol,
		Principal:  principal,
		RemoteAddr: c.remote,
		Metadata: map[string]string{
			"method": req.Method,
			"path":   req.Path,
		},
	}
}

// serveJSON resolves the operation from the path, a REST route, or the
// op member, in that order
func (c *Connection) serveJSON(ctx context.Context, req *wire.Request, info *RequestInfo) reply {
	principal, fault := c.authenticate(ctx, req)
	if fault != nil {
		return c.d.jsonFault(fault)
	}
	body, fault := c.requestBody(req, info)
	if fault != nil {
		return c.d.jsonFault(fault)
	}

	op := c.d.rpcOperation(req.Path)
	var routeParams map[string]string
	if op == "" && c.d.routes != nil && !c.d.onRPCPath(req.Path) {
		op, routeParams, _ = c.d.routes.Match(req.Method, req.Path)
	}

	params := service.Document{}
	for name, values := range req.Query {
		if name == opKey && op == "" && len(values) > 0 {
			op = values[0]
			continue
		}
		addValues(params, name, values)
	}

	ct := req.ContentType()
	switch {
	case len(strings.TrimSpace(string(body))) == 0:
	case isForm(ct):
		form, err := codec.DecodeForm(body)
		if err != nil {
			return c.d.jsonFault(service.WrapFault(http.StatusBadRequest, err, "malformed form body"))
		}
		for name, values := range form {
			if name == opKey && op == "" && len(values) > 0 {
				op = values[0]
				continue
			}
			addValues(params, name, values)
		}
	default:
		doc, named, fault := decodeJSONBody(body)
		if fault != nil {
			return c.d.jsonFault(fault)
		}
		if op == "" {
			op = named
		}
		for k, v := range doc {
			params[k] = v
		}
	}
	for k, v := range routeParams {
		params[k] = v
	}

	if op == "" {
		return c.d.jsonFault(service.NewFault(http.StatusBadRequest, "request names no operation"))
	}
	info.Name = op

	result, err := c.execute(ctx, c.call(req, service.ProtocolJSON, op, principal, params))
	if err != nil {
		return c.d.jsonFault(service.AsFault(err))
	}
	if result == nil {
		result = service.Document{}
	}
	out, err := json.Marshal(result)
	if err != nil {
		return c.d.jsonFault(service.WrapFault(http.StatusInternalServerError, err, "cannot encode result of "+op))
	}
	return reply{resp: wire.Response{Status: http.StatusOK, ContentType: contentTypeJSON, Body: out}}
}

// decodeJSONBody parses an object body and strips the op member from it
func decodeJSONBody(body []byte) (service.Document, string, *service.Fault) {
	if !gjson.ValidBytes(body) {
		return nil, "", service.NewFault(http.StatusBadRequest, "request body is neither JSON nor a form")
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, "", service.NewFault(http.StatusBadRequest, "request body must be a JSON object")
	}

	var op string
	if member := parsed.Get(opKey); member.Exists() {
		if member.Type != gjson.String {
			return nil, "", service.NewFault(http.StatusBadRequest, "%s must be a string", opKey)
		}
		op = member.String()
		stripped, err := sjson.DeleteBytes(body, opKey)
		if err != nil {
			return nil, "", service.WrapFault(http.StatusBadRequest, err, "malformed request body")
		}
		body = stripped
	}

	doc := service.Document{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", service.WrapFault(http.StatusBadRequest, err, "malformed request body")
	}
	return doc, op, nil
}

// addValues stores a single value as a string and repeated ones as a list
func addValues(doc service.Document, name string, values []string) {
	switch len(values) {
	case 0:
		doc[name] = ""
	case 1:
		doc[name] = values[0]
	default:
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		doc[name] = list
	}
}

// soapVersion guesses the envelope version from the media type, for faults
// raised before the envelope is parsed
func soapVersion(mediaType string) soap.Version {
	if mediaType == "application/soap+xml" {
		return soap.V12
	}
	return soap.V11
}

func (c *Connection) serveSOAP(ctx context.Context, req *wire.Request, info *RequestInfo) reply {
	version := soapVersion(req.ContentType())
	principal, fault := c.authenticate(ctx, req)
	if fault != nil {
		return soapFault(version, fault)
	}
	body, fault := c.requestBody(req, info)
	if fault != nil {
		return soapFault(version, fault)
	}

	action := req.Headers.Get("SOAPAction")
	if action == "" {
		// SOAP 1.2 carries the action as a media type parameter
		action = mediaTypeParam(req.Headers.Get("Content-Type"), "action")
	}
	env, err := soap.Decode(body, action)
	if err != nil {
		return soapFault(version, service.WrapFault(http.StatusBadRequest, err, "invalid soap request: "+err.Error()))
	}
	info.Name = env.Op

	result, err := c.execute(ctx, c.call(req, service.ProtocolSOAP, env.Op, principal, env.Params))
	if err != nil {
		return soapFault(env.Version, service.AsFault(err))
	}
	out, err := soap.EncodeResponse(env.Version, c.d.opts.Namespace, env.Op, result)
	if err != nil {
		return soapFault(env.Version, service.WrapFault(http.StatusInternalServerError, err, "cannot encode result of "+env.Op))
	}
	return reply{resp: wire.Response{Status: http.StatusOK, ContentType: env.Version.ContentType(), Body: out}}
}

func mediaTypeParam(value, name string) string {
	for _, part := range strings.Split(value, ";")[1:] {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.Trim(strings.TrimSpace(val), `"`)
		}
	}
	return ""
}

func (c *Connection) serveDescriptor(req *wire.Request, info *RequestInfo) reply {
	kind, _ := describe.FromQuery(req.Query)
	info.Name = string(kind)
	if c.d.describer == nil {
		return c.d.jsonFault(service.NewFault(http.StatusNotFound, "no %s descriptor for this service", kind))
	}
	doc, err := c.d.describer.Document(kind, c.baseURL(req))
	if err != nil {
		return c.d.jsonFault(service.WrapFault(http.StatusInternalServerError, err, "cannot build "+string(kind)+" descriptor"))
	}
	return reply{resp: wire.Response{Status: http.StatusOK, ContentType: kind.ContentType(), Body: doc}}
}

func (c *Connection) serveStatic(req *wire.Request, info *RequestInfo) reply {
	info.Name = req.Path
	files := c.d.opts.Static
	if files == nil {
		return c.d.jsonFault(service.NewFault(http.StatusNotFound, "%s not found", req.Path))
	}

	file, err := files.Open(req.Path)
	switch {
	case errors.Is(err, static.ErrNotFound):
		return c.d.jsonFault(service.NewFault(http.StatusNotFound, "%s not found", req.Path))
	case errors.Is(err, static.ErrForbidden):
		return c.d.jsonFault(service.NewFault(http.StatusForbidden, "%s is not accessible", req.Path))
	case err != nil:
		c.d.log.Error("Failed to read static file %s: %v", req.Path, err)
		return c.d.jsonFault(service.WrapFault(http.StatusInternalServerError, err, "cannot read "+req.Path))
	}
	info.Name = filepath.Base(file.Path)

	resp := wire.Response{Status: http.StatusOK, ContentType: file.ContentType, Body: file.Data}
	resp.Extra.Add("ETag", file.ETag)
	resp.Extra.Add("Last-Modified", file.ModTime.UTC().Format(http.TimeFormat))
	if static.NotModified(req.Headers.Get("If-None-Match"), file.ETag) {
		resp.Status = http.StatusNotModified
		resp.Body = nil
	}
	return reply{resp: resp}
}

// serveWebsocket hands the connection to the bridge for the rest of its life.
// A refused handshake is answered like any other fault.
func (c *Connection) serveWebsocket(ctx context.Context, req *wire.Request, info *RequestInfo) (bool, error) {
	info.Name = req.Path
	principal, fault := c.authenticate(ctx, req)
	if fault != nil {
		rep := c.d.jsonFault(fault)
		rep.close = true
		return c.respond(ctx, req, info, rep)
	}

	err := c.d.bridge.Serve(ctx, c.sock, c.r, req, principal)
	var ue *wsbridge.UpgradeError
	if errors.As(err, &ue) {
		rep := c.d.jsonFault(service.WrapFault(ue.Status, ue.Err, "websocket upgrade refused: "+ue.Err.Error()))
		rep.close = true
		return c.respond(ctx, req, info, rep)
	}

	info.Status = http.StatusSwitchingProtocols
	c.served++
	c.d.logCompletion(ctx, info)
	return false, err
}
