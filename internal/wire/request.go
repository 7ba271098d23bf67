package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/codefionn/netcore/internal/bufreader"
	"github.com/codefionn/netcore/internal/consts"
)

var crlf = []byte("\r\n")

// LineReader is the buffered reader interface request parsing needs
type LineReader interface {
	ReadLine(delim []byte, max int) ([]byte, error)
	Read(p []byte) (int, error)
}

// Limits bounds what ReadRequest accepts
type Limits struct {
	MaxHeaderBytes int
	MaxLineBytes   int
	MaxBodyBytes   int64
}

// DefaultLimits returns the standard request limits
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: consts.MaxHeaderBytes,
		MaxLineBytes:   consts.MaxLineBytes,
		MaxBodyBytes:   consts.MaxBodyBytes,
	}
}

// bodyLimit is the effective body cap; zero selects consts.MaxBodyBytes
func (l Limits) bodyLimit() int64 {
	if l.MaxBodyBytes <= 0 {
		return consts.MaxBodyBytes
	}
	return l.MaxBodyBytes
}

// ProtocolError is a request that cannot be served as sent. Close is set
// when the message framing was lost and the connection cannot be reused.
type ProtocolError struct {
	Status int
	Reason string
	Close  bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Reason)
}

func protocolErr(status int, close bool, format string, args ...any) *ProtocolError {
	return &ProtocolError{Status: status, Reason: fmt.Sprintf(format, args...), Close: close}
}

// Request is one parsed request
type Request struct {
	Method   string
	Target   string
	Path     string
	RawQuery string
	Query    url.Values
	Proto    string
	Major    int
	Minor    int
	Headers  Headers
	Body     []byte
	Chunked  bool

	// HeaderBytes counts the request line and header block as received
	HeaderBytes int
}

// ReadRequest reads one request. It returns io.EOF when the peer closed
// before sending anything, io.ErrUnexpectedEOF when it closed mid-request,
// and *ProtocolError for malformed input. A malformed request line or header
// still consumes the header block so the next request can be read, unless
// the request announced a body.
func ReadRequest(r LineReader, limits Limits) (*Request, error) {
	req := &Request{}

	line, err := readRequestLine(r, limits)
	if err != nil {
		return nil, err
	}
	req.HeaderBytes += len(line)
	lineErr := req.parseRequestLine(strings.TrimSuffix(string(line), "\r\n"))

	if err := req.readHeaders(r, limits); err != nil {
		return nil, err
	}
	if lineErr != nil {
		var pe *ProtocolError
		if errors.As(lineErr, &pe) && req.hasBody() {
			pe.Close = true
		}
		return nil, lineErr
	}
	if err := req.readBody(r, limits); err != nil {
		return nil, err
	}
	return req, nil
}

// readRequestLine skips the empty lines some clients send between requests
func readRequestLine(r LineReader, limits Limits) ([]byte, error) {
	for skipped := 0; ; skipped++ {
		line, err := r.ReadLine(crlf, limits.MaxLineBytes)
		switch {
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		case errors.Is(err, bufreader.ErrLineTooLong):
			return nil, protocolErr(http.StatusRequestURITooLong, true, "request line exceeds %d bytes", limits.MaxLineBytes)
		case err != nil:
			return nil, err
		}
		if len(line) > len(crlf) || skipped >= 4 {
			return line, nil
		}
	}
}

func (req *Request) parseRequestLine(line string) error {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return protocolErr(http.StatusBadRequest, false, "malformed request line %q", line)
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return protocolErr(http.StatusBadRequest, false, "invalid method %q", method)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return protocolErr(http.StatusHTTPVersionNotSupported, false, "unsupported protocol %q", proto)
	}

	u, err := url.ParseRequestURI(target)
	if err != nil {
		return protocolErr(http.StatusBadRequest, false, "invalid request target %q", target)
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return protocolErr(http.StatusBadRequest, false, "invalid query string: %v", err)
	}

	req.Method = method
	req.Target = target
	req.Path = u.Path
	if req.Path == "" {
		req.Path = "/"
	}
	req.RawQuery = u.RawQuery
	req.Query = query
	req.Proto = proto
	req.Major, req.Minor = major, minor
	return nil
}

func (req *Request) hasBody() bool {
	return req.Headers.Has("Content-Length") || req.Headers.Has("Transfer-Encoding")
}

// readHeaders reads up to the blank line. The first malformed line is
// reported once the block ends.
func (req *Request) readHeaders(r LineReader, limits Limits) error {
	var bad *ProtocolError
	for {
		line, err := r.ReadLine(crlf, limits.MaxLineBytes)
		switch {
		case errors.Is(err, io.EOF):
			return io.ErrUnexpectedEOF
		case errors.Is(err, bufreader.ErrLineTooLong):
			return protocolErr(http.StatusRequestHeaderFieldsTooLarge, true, "header line exceeds %d bytes", limits.MaxLineBytes)
		case err != nil:
			return err
		}

		req.HeaderBytes += len(line)
		if req.HeaderBytes > limits.MaxHeaderBytes {
			return protocolErr(http.StatusRequestHeaderFieldsTooLarge, true, "header block exceeds %d bytes", limits.MaxHeaderBytes)
		}

		text := strings.TrimSuffix(string(line), "\r\n")
		if text == "" {
			if bad == nil {
				return nil
			}
			bad.Close = bad.Close || req.hasBody()
			return bad
		}
		if bad != nil {
			if name, _, ok := strings.Cut(text, ":"); ok && (strings.EqualFold(name, "Content-Length") || strings.EqualFold(name, "Transfer-Encoding")) {
				bad.Close = true
			}
			continue
		}
		if text[0] == ' ' || text[0] == '\t' {
			bad = protocolErr(http.StatusBadRequest, false, "obsolete header line folding")
			continue
		}
		name, value, ok := strings.Cut(text, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			bad = protocolErr(http.StatusBadRequest, false, "malformed header line %q", text)
			continue
		}
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldValue(value) {
			bad = protocolErr(http.StatusBadRequest, false, "invalid value for header %s", name)
			continue
		}
		req.Headers.Add(name, value)
	}
}

func (req *Request) readBody(r LineReader, limits Limits) error {
	if te := req.Headers.Values("Transfer-Encoding"); len(te) > 0 {
		if !httpguts.HeaderValuesContainsToken(te, "chunked") {
			return protocolErr(http.StatusNotImplemented, true, "unsupported transfer encoding %q", strings.Join(te, ", "))
		}
		req.Chunked = true
		return req.readChunked(r, limits)
	}

	lengths := req.Headers.Values("Content-Length")
	if len(lengths) == 0 {
		return nil
	}
	for _, other := range lengths[1:] {
		if other != lengths[0] {
			return protocolErr(http.StatusBadRequest, true, "conflicting Content-Length values")
		}
	}
	text := strings.TrimSpace(lengths[0])
	if !isDigits(text) {
		return protocolErr(http.StatusBadRequest, true, "invalid Content-Length %q", lengths[0])
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		// only overflow is left
		return protocolErr(http.StatusRequestEntityTooLarge, true, "body length %s exceeds %d", text, limits.bodyLimit())
	}
	if n > limits.bodyLimit() {
		return protocolErr(http.StatusRequestEntityTooLarge, true, "body of %d bytes exceeds %d", n, limits.bodyLimit())
	}
	if n == 0 {
		return nil
	}

	body, err := appendBody(r, nil, n)
	if err != nil {
		return err
	}
	req.Body = body
	return nil
}

// appendBody reads n bytes onto body. The buffer grows as data arrives so
// a declared length alone does not allocate the whole body.
func appendBody(r LineReader, body []byte, n int64) ([]byte, error) {
	for n > 0 {
		step := int(min(n, consts.BufferSize64KB))
		start := len(body)
		body = slices.Grow(body, step)[:start+step]
		got, err := r.Read(body[start:])
		if err != nil || got < step {
			if err == nil || errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		n -= int64(step)
	}
	return body, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func (req *Request) readChunked(r LineReader, limits Limits) error {
	var body []byte
	for {
		line, err := r.ReadLine(crlf, limits.MaxLineBytes)
		if err != nil {
			return chunkErr(err)
		}
		sizeText, _, _ := strings.Cut(strings.TrimSpace(string(line)), ";")
		sizeText = strings.TrimSpace(sizeText)
		if !isHex(sizeText) {
			return protocolErr(http.StatusBadRequest, true, "invalid chunk size %q", sizeText)
		}
		size, err := strconv.ParseInt(sizeText, 16, 64)
		if err != nil {
			return protocolErr(http.StatusRequestEntityTooLarge, true, "chunk size %s exceeds %d", sizeText, limits.bodyLimit())
		}

		if size == 0 {
			// trailers are read and dropped
			for {
				trailer, err := r.ReadLine(crlf, limits.MaxLineBytes)
				if err != nil {
					return chunkErr(err)
				}
				if len(trailer) == len(crlf) {
					req.Body = body
					return nil
				}
			}
		}

		if size > limits.bodyLimit()-int64(len(body)) {
			return protocolErr(http.StatusRequestEntityTooLarge, true, "chunked body exceeds %d bytes", limits.bodyLimit())
		}
		if body, err = appendBody(r, body, size); err != nil {
			return err
		}

		var end [2]byte
		if _, err := r.Read(end[:]); err != nil {
			return chunkErr(err)
		}
		if end != [2]byte{'\r', '\n'} {
			return protocolErr(http.StatusBadRequest, true, "chunk not terminated by CRLF")
		}
	}
}

func chunkErr(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return io.ErrUnexpectedEOF
	case errors.Is(err, bufreader.ErrLineTooLong):
		return protocolErr(http.StatusBadRequest, true, "chunk header too long")
	default:
		return err
	}
}

// ContentType returns the lower-cased media type without parameters
func (req *Request) ContentType() string {
	return MediaType(req.Headers.Get("Content-Type"))
}

// MediaType strips parameters from a Content-Type value
func MediaType(value string) string {
	if value == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(value)
	if err != nil {
		mt, _, _ = strings.Cut(value, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// WantsClose reports whether the client asked to close after this request
func (req *Request) WantsClose() bool {
	if req.Headers.HasToken("Connection", "close") {
		return true
	}
	if req.Major == 1 && req.Minor == 0 {
		return !req.Headers.HasToken("Connection", "keep-alive")
	}
	return false
}

// IsWebsocketUpgrade reports whether the request asks for a websocket
func (req *Request) IsWebsocketUpgrade() bool {
	return req.Headers.HasToken("Upgrade", "websocket")
}

// Host returns the Host header
func (req *Request) Host() string {
	return req.Headers.Get("Host")
}
