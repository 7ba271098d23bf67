// Package describe renders service descriptors (WSDL 1.1 and OpenAPI 3) for
// a service registry.
package describe

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/codefionn/netcore/internal/service"
)

// Placeholder is replaced by the base URL of the requesting client's view of
// the server, e.g. "http://example.com:8080"
const Placeholder = "{{address}}"

// Kind names a descriptor format
type Kind string

const (
	KindWSDL    Kind = "wsdl"
	KindOpenAPI Kind = "openapi"
)

// ContentType returns the media type of the descriptor
func (k Kind) ContentType() string {
	if k == KindWSDL {
		return "text/xml; charset=utf-8"
	}
	return "application/json"
}

// FromQuery returns the descriptor requested by a ?wsdl or ?openapi flag
func FromQuery(query url.Values) (Kind, bool) {
	switch {
	case query.Has(string(KindWSDL)):
		return KindWSDL, true
	case query.Has(string(KindOpenAPI)):
		return KindOpenAPI, true
	}
	return "", false
}

type entry struct {
	version uint64
	doc     []byte
}

// Describer caches descriptors per registry version
type Describer struct {
	reg     *service.Registry
	rpcPath string

	mu    sync.RWMutex
	cache map[Kind]entry
	group singleflight.Group
}

// New creates a describer for reg. rpcPath is where operations are posted.
func New(reg *service.Registry, rpcPath string) *Describer {
	return &Describer{
		reg:     reg,
		rpcPath: rpcPath,
		cache:   make(map[Kind]entry),
	}
}

// Document returns the descriptor with Placeholder replaced by baseURL
func (d *Describer) Document(kind Kind, baseURL string) ([]byte, error) {
	tmpl, err := d.template(kind)
	if err != nil {
		return nil, err
	}
	return bytes.ReplaceAll(tmpl, []byte(Placeholder), escapeAddress(kind, baseURL)), nil
}

// template returns the cached descriptor, regenerating it once the registry
// changed. Concurrent misses share one render.
func (d *Describer) template(kind Kind) ([]byte, error) {
	version := d.reg.Version()

	d.mu.RLock()
	cached, ok := d.cache[kind]
	d.mu.RUnlock()
	if ok && cached.version == version {
		return cached.doc, nil
	}

	key := string(kind) + "@" + strconv.FormatUint(version, 10)
	v, err, _ := d.group.Do(key, func() (any, error) {
		var (
			doc []byte
			err error
		)
		switch kind {
		case KindWSDL:
			doc, err = WSDL(d.reg, d.rpcPath)
		case KindOpenAPI:
			doc, err = OpenAPI(d.reg, d.rpcPath)
		default:
			return nil, fmt.Errorf("unknown descriptor kind %q", kind)
		}
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		if cur, ok := d.cache[kind]; !ok || cur.version <= version {
			d.cache[kind] = entry{version: version, doc: doc}
		}
		d.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func escapeAddress(kind Kind, address string) []byte {
	var b bytes.Buffer
	if kind == KindWSDL {
		_ = xml.EscapeText(&b, []byte(address))
		return b.Bytes()
	}
	quoted, _ := json.Marshal(address)
	return quoted[1 : len(quoted)-1]
}
