// Package soap decodes SOAP request envelopes into operation calls and
// encodes response and fault envelopes.
package soap

import (
	"bytes"
	"encoding"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/codefionn/netcore/internal/service"
)

var (
	// ErrMalformed is returned for bodies that are not well-formed XML
	ErrMalformed = errors.New("malformed xml")
	// ErrNotEnvelope is returned when the root element is not a SOAP Envelope
	ErrNotEnvelope = errors.New("root element is not a soap envelope")
	// ErrNoBody is returned for envelopes without a Body element
	ErrNoBody = errors.New("soap envelope has no body")
	// ErrNoOperation is returned when neither the Body nor SOAPAction names an operation
	ErrNoOperation = errors.New("no soap operation")
)

// Version is the SOAP protocol version of an envelope
type Version int

const (
	V11 Version = iota
	V12
)

const (
	NamespaceV11 = "http://schemas.xmlsoap.org/soap/envelope/"
	NamespaceV12 = "http://www.w3.org/2003/05/soap-envelope"

	namespaceXSI = "http://www.w3.org/2001/XMLSchema-instance"
)

// Namespace returns the envelope namespace
func (v Version) Namespace() string {
	if v == V12 {
		return NamespaceV12
	}
	return NamespaceV11
}

// ContentType returns the media type responses of this version are sent with
func (v Version) ContentType() string {
	if v == V12 {
		return "application/soap+xml; charset=utf-8"
	}
	return "text/xml; charset=utf-8"
}

func (v Version) String() string {
	if v == V12 {
		return "1.2"
	}
	return "1.1"
}

// TargetNamespace returns the namespace operations of a service live in
func TargetNamespace(serviceName string) string {
	return "urn:" + serviceName
}

// Request is a decoded request envelope
type Request struct {
	Version Version
	Op      string
	// Namespace of the operation element, empty for SOAPAction-only requests
	Namespace string
	Params    service.Document
}

// Decode parses a request envelope. The first element inside Body names the
// operation and its children become the parameters. An empty Body falls back
// to the SOAPAction header value.
func Decode(data []byte, action string) (*Request, error) {
	d := xml.NewDecoder(bytes.NewReader(data))

	root, err := child(d)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	if root.Name.Local != "Envelope" {
		return nil, ErrNotEnvelope
	}
	req := &Request{Version: V11, Params: service.Document{}}
	if root.Name.Space == NamespaceV12 {
		req.Version = V12
	}

	body := false
	for {
		el, err := child(d)
		if err != nil {
			return nil, err
		}
		if el == nil {
			break
		}
		if el.Name.Local != "Body" || body {
			if err := d.Skip(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			continue
		}
		body = true
		if err := decodeBody(d, req); err != nil {
			return nil, err
		}
	}
	if !body {
		return nil, ErrNoBody
	}

	for {
		if _, err := d.Token(); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if req.Op == "" {
		req.Op = actionOperation(action)
	}
	if req.Op == "" {
		return nil, ErrNoOperation
	}
	return req, nil
}

func decodeBody(d *xml.Decoder, req *Request) error {
	op, err := child(d)
	if err != nil || op == nil {
		return err
	}
	req.Op = op.Name.Local
	req.Namespace = op.Name.Space
	v, err := decodeElement(d, *op)
	if err != nil {
		return err
	}
	if doc, ok := v.(service.Document); ok {
		req.Params = doc
	}
	// Further body entries are ignored
	for {
		el, err := child(d)
		if err != nil || el == nil {
			return err
		}
		if err := d.Skip(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
}

// child returns the next start element below the current one, or nil when
// the current element ends
func child(d *xml.Decoder) (*xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return &t, nil
		case xml.EndElement:
			return nil, nil
		}
	}
}

// decodeElement returns a Document for elements with children and the
// character data otherwise. Repeated child names collect into a slice.
func decodeElement(d *xml.Decoder, start xml.StartElement) (any, error) {
	for _, attr := range start.Attr {
		if attr.Name.Local == "nil" && attr.Name.Space == namespaceXSI && attr.Value == "true" {
			if err := d.Skip(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			return nil, nil
		}
	}

	var (
		text strings.Builder
		doc  service.Document
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := decodeElement(d, t)
			if err != nil {
				return nil, err
			}
			if doc == nil {
				doc = service.Document{}
			}
			addValue(doc, t.Name.Local, v)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if doc != nil {
				return doc, nil
			}
			return text.String(), nil
		}
	}
}

func addValue(doc service.Document, name string, v any) {
	prev, ok := doc[name]
	if !ok {
		doc[name] = v
		return
	}
	if list, ok := prev.([]any); ok {
		doc[name] = append(list, v)
		return
	}
	doc[name] = []any{prev, v}
}

// actionOperation takes the operation from a SOAPAction such as
// "urn:svc#echo" or "http://example.com/svc/echo"
func actionOperation(action string) string {
	action = strings.Trim(strings.TrimSpace(action), `"`)
	if i := strings.LastIndexAny(action, "#/:"); i >= 0 {
		action = action[i+1:]
	}
	return action
}

// EncodeResponse renders the <opResponse> envelope for a successful call
func EncodeResponse(v Version, namespace, op string, doc service.Document) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	enc := xml.NewEncoder(&b)

	envelope, body := envelopeStart(v)
	if err := encodeStart(enc, envelope, body); err != nil {
		return nil, err
	}

	resp := xml.StartElement{Name: xml.Name{Local: ElementName(op + "Response")}}
	if namespace != "" {
		resp.Attr = []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: namespace}}
	}
	if err := enc.EncodeToken(resp); err != nil {
		return nil, err
	}
	if err := encodeFields(enc, doc); err != nil {
		return nil, err
	}
	if err := encodeEnd(enc, resp, body, envelope); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EncodeFault renders a fault envelope. Statuses below 500 are the client's
// fault, everything else the server's.
func EncodeFault(v Version, f *service.Fault) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	enc := xml.NewEncoder(&b)

	status := f.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	envelope, body := envelopeStart(v)
	fault := xml.StartElement{Name: xml.Name{Local: "soap:Fault"}}
	_ = encodeStart(enc, envelope, body, fault)

	detail := service.Document{
		"status_code": status,
		"status_text": f.StatusText(),
	}
	if v == V12 {
		code := "soap:Receiver"
		if status < 500 {
			code = "soap:Sender"
		}
		codeEl := xml.StartElement{Name: xml.Name{Local: "soap:Code"}}
		_ = encodeStart(enc, codeEl)
		_ = encodeValue(enc, "soap:Value", code)
		_ = encodeEnd(enc, codeEl)
		reason := xml.StartElement{Name: xml.Name{Local: "soap:Reason"}}
		text := xml.StartElement{
			Name: xml.Name{Local: "soap:Text"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "xml:lang"}, Value: "en"}},
		}
		_ = encodeStart(enc, reason, text)
		_ = enc.EncodeToken(xml.CharData(f.Message))
		_ = encodeEnd(enc, text, reason)
		_ = encodeValue(enc, "soap:Detail", detail)
	} else {
		code := "soap:Server"
		if status < 500 {
			code = "soap:Client"
		}
		_ = encodeValue(enc, "faultcode", code)
		_ = encodeValue(enc, "faultstring", f.Message)
		_ = encodeValue(enc, "detail", detail)
	}
	_ = encodeEnd(enc, fault, body, envelope)
	_ = enc.Flush()
	return b.Bytes()
}

func envelopeStart(v Version) (xml.StartElement, xml.StartElement) {
	envelope := xml.StartElement{
		Name: xml.Name{Local: "soap:Envelope"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns:soap"}, Value: v.Namespace()}},
	}
	return envelope, xml.StartElement{Name: xml.Name{Local: "soap:Body"}}
}

func encodeStart(enc *xml.Encoder, elements ...xml.StartElement) error {
	for _, el := range elements {
		if err := enc.EncodeToken(el); err != nil {
			return err
		}
	}
	return nil
}

func encodeEnd(enc *xml.Encoder, elements ...xml.StartElement) error {
	for _, el := range elements {
		if err := enc.EncodeToken(el.End()); err != nil {
			return err
		}
	}
	return nil
}

func encodeFields(enc *xml.Encoder, fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := encodeValue(enc, ElementName(k), fields[k]); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(enc *xml.Encoder, name string, v any) error {
	start := xml.StartElement{Name: xml.Name{Local: name}}

	switch val := v.(type) {
	case nil:
		return encodeText(enc, start, "")
	case service.Document:
		return encodeNested(enc, start, val)
	case map[string]any:
		return encodeNested(enc, start, val)
	case []byte:
		return encodeText(enc, start, string(val))
	case encoding.TextMarshaler:
		text, err := val.MarshalText()
		if err != nil {
			return err
		}
		return encodeText(enc, start, string(text))
	case string:
		return encodeText(enc, start, val)
	case bool:
		return encodeText(enc, start, strconv.FormatBool(val))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := encodeValue(enc, name, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			fields := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				fields[iter.Key().String()] = iter.Value().Interface()
			}
			return encodeNested(enc, start, fields)
		}
	}
	return encodeText(enc, start, fmt.Sprint(v))
}

func encodeNested(enc *xml.Encoder, start xml.StartElement, fields map[string]any) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if err := encodeFields(enc, fields); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

func encodeText(enc *xml.Encoder, start xml.StartElement, text string) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if text != "" {
		if err := enc.EncodeToken(xml.CharData(text)); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// ElementName maps a document key to a valid XML element name
func ElementName(key string) string {
	if key == "" {
		return "item"
	}
	var b strings.Builder
	for i, r := range key {
		valid := r == '_' || unicode.IsLetter(r)
		if i > 0 {
			valid = valid || r == '-' || r == '.' || unicode.IsDigit(r)
		}
		if !valid {
			if i == 0 && unicode.IsDigit(r) {
				b.WriteByte('_')
				b.WriteRune(r)
				continue
			}
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}
