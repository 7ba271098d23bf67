package dispatch

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codefionn/netcore/internal/wire"
)

// LogDetails selects the optional fields of the per-request log line
type LogDetails uint8

const (
	LogSerial LogDetails = 1 << iota
	LogSourceIP
	LogRequestName
	LogDuration
	LogRequestBytes
	LogResponseBytes

	LogNone LogDetails = 0
	LogAll             = LogSerial | LogSourceIP | LogRequestName | LogDuration | LogRequestBytes | LogResponseBytes
)

var logDetailNames = []struct {
	name   string
	detail LogDetails
}{
	{"serial", LogSerial},
	{"ip", LogSourceIP},
	{"name", LogRequestName},
	{"duration", LogDuration},
	{"request_bytes", LogRequestBytes},
	{"response_bytes", LogResponseBytes},
}

// ParseLogDetails builds the set from configuration names. "all" and "none"
// are accepted as shorthands.
func ParseLogDetails(names []string) (LogDetails, error) {
	var set LogDetails
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "":
			continue
		case "all":
			set |= LogAll
			continue
		case "none":
			continue
		case "source_ip":
			set |= LogSourceIP
			continue
		}
		found := false
		for _, d := range logDetailNames {
			if d.name == name {
				set |= d.detail
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown log detail %q", raw)
		}
	}
	return set, nil
}

// Has reports whether every detail in d is enabled
func (l LogDetails) Has(d LogDetails) bool {
	return l&d == d
}

func (l LogDetails) String() string {
	var names []string
	for _, d := range logDetailNames {
		if l.Has(d.detail) {
			names = append(names, d.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Message is one side of a request/response exchange
type Message struct {
	Headers wire.Headers
	// Raw is the body as it crossed the wire
	Raw []byte
	// Body is the body after content decoding, or before encoding
	Body     []byte
	Encoding string
}

// RequestInfo accumulates what is known about one request while it is served
type RequestInfo struct {
	Serial   uint64
	RemoteIP string
	Method   string
	Path     string
	// Name is the operation, descriptor or file the request resolved to
	Name   string
	Branch Branch
	Start  time.Time
	Input  Message
	Output Message
	// Status is the status sent, FaultStatus the one a fault carried before
	// status suppression
	Status      int
	FaultStatus int
	// WireBytes counts the full rendered response
	WireBytes int
}

// Duration returns the time since the request started
func (info *RequestInfo) Duration() time.Duration {
	return time.Since(info.Start)
}

func (info *RequestInfo) fromRequest(req *wire.Request) {
	info.Method = req.Method
	info.Path = req.Path
	info.Input.Headers = req.Headers
	info.Input.Raw = req.Body
	info.Input.Body = req.Body
}

// attrs renders the log line fields. Status and method are always present.
func (info *RequestInfo) attrs(details LogDetails) []slog.Attr {
	method := info.Method
	if method == "" {
		method = "-"
	}
	attrs := []slog.Attr{
		slog.Int("status", info.Status),
		slog.String("method", method),
	}
	if info.FaultStatus != 0 && info.FaultStatus != info.Status {
		attrs = append(attrs, slog.Int("fault_status", info.FaultStatus))
	}
	if details.Has(LogSerial) {
		attrs = append(attrs, slog.Uint64("serial", info.Serial))
	}
	if details.Has(LogSourceIP) {
		attrs = append(attrs, slog.String("ip", info.RemoteIP))
	}
	if details.Has(LogRequestName) {
		name := info.Name
		if name == "" {
			name = info.Path
		}
		attrs = append(attrs, slog.String("branch", info.Branch.String()), slog.String("name", name))
	}
	if details.Has(LogDuration) {
		attrs = append(attrs, slog.Duration("duration", info.Duration()))
	}
	if details.Has(LogRequestBytes) {
		attrs = append(attrs, slog.Int("request_bytes", len(info.Input.Raw)))
		if info.Input.Encoding != "" {
			attrs = append(attrs, slog.Int("request_decoded_bytes", len(info.Input.Body)))
		}
	}
	if details.Has(LogResponseBytes) {
		attrs = append(attrs, slog.Int("response_bytes", len(info.Output.Raw)))
		if info.Output.Encoding != "" {
			attrs = append(attrs,
				slog.String("encoding", info.Output.Encoding),
				slog.Int("response_plain_bytes", len(info.Output.Body)))
		}
	}
	return attrs
}

func (info *RequestInfo) level() slog.Level {
	if info.FaultStatus >= http.StatusInternalServerError || info.Status >= http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
