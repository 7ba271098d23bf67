package soap

import (
	"encoding/xml"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/netcore/internal/service"
)

const echoEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <soap:Header><trace>abc</trace></soap:Header>
  <soap:Body>
    <m:echo xmlns:m="urn:netcore">
      <value>1</value>
      <tag>a</tag>
      <tag>b</tag>
      <user><name>ada</name><role>admin</role></user>
      <missing xsi:nil="true"/>
    </m:echo>
  </soap:Body>
</soap:Envelope>`

func TestDecode(t *testing.T) {
	req, err := Decode([]byte(echoEnvelope), "")
	require.NoError(t, err)

	assert.Equal(t, V11, req.Version)
	assert.Equal(t, "echo", req.Op)
	assert.Equal(t, "urn:netcore", req.Namespace)
	assert.Equal(t, "1", req.Params["value"])
	assert.Equal(t, []any{"a", "b"}, req.Params["tag"])
	assert.Equal(t, service.Document{"name": "ada", "role": "admin"}, req.Params["user"])
	assert.Contains(t, req.Params, "missing")
	assert.Nil(t, req.Params["missing"])
}

func TestDecodeActionFallback(t *testing.T) {
	envelope := `<Envelope xmlns="http://www.w3.org/2003/05/soap-envelope"><Body/></Envelope>`

	tests := []struct {
		action string
		want   string
	}{
		{action: `"urn:netcore#ping"`, want: "ping"},
		{action: `http://example.com/netcore/ping`, want: "ping"},
		{action: `ping`, want: "ping"},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			req, err := Decode([]byte(envelope), tt.action)
			require.NoError(t, err)
			assert.Equal(t, V12, req.Version)
			assert.Equal(t, tt.want, req.Op)
			assert.Empty(t, req.Params)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "empty", body: "", want: ErrMalformed},
		{name: "not xml", body: `{"op":"echo"}`, want: ErrMalformed},
		{name: "unclosed", body: `<soap:Envelope xmlns:soap="` + NamespaceV11 + `"><soap:Body><echo>`, want: ErrMalformed},
		{name: "trailing garbage", body: `<Envelope><Body><echo/></Body></Envelope><x>`, want: ErrMalformed},
		{name: "plain xml", body: `<echo><value>1</value></echo>`, want: ErrNotEnvelope},
		{name: "no body", body: `<Envelope><Header/></Envelope>`, want: ErrNoBody},
		{name: "no operation", body: `<Envelope><Body></Body></Envelope>`, want: ErrNoOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body), "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

type parsed struct {
	Body struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

func TestEncodeResponse(t *testing.T) {
	out, err := EncodeResponse(V11, "urn:netcore", "echo", service.Document{
		"value": 1,
		"flag":  true,
		"tags":  []any{"a", "<b>"},
		"user":  map[string]any{"name": "ada"},
		"none":  nil,
	})
	require.NoError(t, err)
	text := string(out)

	assert.True(t, strings.HasPrefix(text, xml.Header))
	assert.Contains(t, text, `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">`)
	assert.Contains(t, text, `<echoResponse xmlns="urn:netcore"><flag>true</flag><none></none><tags>a</tags><tags>&lt;b&gt;</tags><user><name>ada</name></user><value>1</value></echoResponse>`)

	// the response decodes like a request envelope
	req, err := Decode(out, "")
	require.NoError(t, err)
	assert.Equal(t, "echoResponse", req.Op)
	assert.Equal(t, "1", req.Params["value"])
	assert.Equal(t, []any{"a", "<b>"}, req.Params["tags"])
}

func TestEncodeFault(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		status  int
		want    []string
	}{
		{
			name: "client 1.1", version: V11, status: http.StatusNotFound,
			want: []string{"<faultcode>soap:Client</faultcode>", "<faultstring>no such op &amp; more</faultstring>", "<status_code>404</status_code>", "<status_text>Not Found</status_text>"},
		},
		{
			name: "server 1.1", version: V11, status: http.StatusInternalServerError,
			want: []string{"<faultcode>soap:Server</faultcode>", "<status_code>500</status_code>"},
		},
		{
			name: "sender 1.2", version: V12, status: http.StatusBadRequest,
			want: []string{NamespaceV12, "<soap:Value>soap:Sender</soap:Value>", `<soap:Text xml:lang="en">no such op &amp; more</soap:Text>`, "<status_code>400</status_code>"},
		},
		{
			name: "receiver 1.2", version: V12, status: http.StatusBadGateway,
			want: []string{"<soap:Value>soap:Receiver</soap:Value>"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := string(EncodeFault(tt.version, service.NewFault(tt.status, "no such op & more")))
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			var p parsed
			require.NoError(t, xml.Unmarshal([]byte(out), &p))
			assert.Contains(t, string(p.Body.Inner), "Fault")
		})
	}
}

func TestElementName(t *testing.T) {
	tests := map[string]string{
		"value":    "value",
		"":         "item",
		"1st":      "_1st",
		"a b":      "a_b",
		"ns:x":     "ns_x",
		"snake_ok": "snake_ok",
	}
	for in, want := range tests {
		assert.Equal(t, want, ElementName(in), in)
	}
}
