package wire

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// CORS preflight header values
const (
	CORSAllowMethods = "POST, GET, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization, Accept-Encoding, Content-Encoding, SOAPAction, X-Requested-With"
	CORSMaxAge       = "86400"
)

// Response is an immutable response description, rendered once with Bytes
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	// Encoding is the Content-Encoding already applied to Body
	Encoding  string
	KeepAlive bool
	CORS      bool
	// HeadOnly keeps Content-Length but drops the body, for HEAD requests
	HeadOnly bool
	// Extra headers follow the fixed ones in order
	Extra Headers
}

// StatusText returns the reason phrase for code
func StatusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}

func bodyless(status int) bool {
	return status == http.StatusNoContent || status == http.StatusNotModified || (status >= 100 && status < 200)
}

// Bytes renders the status line, headers and body
func (r Response) Bytes() []byte {
	var b bytes.Buffer
	b.Grow(256 + len(r.Body))

	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(r.Status))
	b.WriteByte(' ')
	b.WriteString(StatusText(r.Status))
	b.WriteString("\r\n")

	if !bodyless(r.Status) {
		if r.ContentType != "" {
			header(&b, "Content-Type", r.ContentType)
		}
		header(&b, "Content-Length", strconv.Itoa(len(r.Body)))
	}
	if r.KeepAlive {
		header(&b, "Connection", "keep-alive")
	} else {
		header(&b, "Connection", "close")
	}
	if r.CORS {
		header(&b, "Access-Control-Allow-Origin", "*")
	}
	if r.Encoding != "" {
		header(&b, "Content-Encoding", r.Encoding)
	}
	header(&b, "X-Content-Type-Options", "nosniff")
	r.Extra.Each(func(name, value string) {
		header(&b, name, value)
	})
	b.WriteString("\r\n")

	if !r.HeadOnly && !bodyless(r.Status) {
		b.Write(r.Body)
	}
	return b.Bytes()
}

// WriteTo writes the rendered response in one call
func (r Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

func header(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// Preflight answers an OPTIONS request. With cors disabled the origin is
// denied explicitly.
func Preflight(cors, keepAlive bool) Response {
	resp := Response{Status: http.StatusNoContent, KeepAlive: keepAlive}
	if !cors {
		resp.Extra.Add("Access-Control-Allow-Origin", "null")
		return resp
	}
	resp.CORS = true
	resp.Extra.Add("Access-Control-Allow-Methods", CORSAllowMethods)
	resp.Extra.Add("Access-Control-Allow-Headers", CORSAllowHeaders)
	resp.Extra.Add("Access-Control-Max-Age", CORSMaxAge)
	return resp
}
