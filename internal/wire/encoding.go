package wire

import (
	"sort"
	"strconv"
	"strings"
)

type acceptedCoding struct {
	name string
	q    float64
}

func parseAcceptEncoding(header string) []acceptedCoding {
	var out []acceptedCoding
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			key, val, ok := strings.Cut(strings.TrimSpace(p), "=")
			if !ok || strings.ToLower(strings.TrimSpace(key)) != "q" {
				continue
			}
			if v, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				q = v
			}
		}
		out = append(out, acceptedCoding{name: name, q: q})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].q > out[b].q })
	return out
}

// NegotiateEncoding picks the content coding for a response: the client's
// most preferred coding the server supports, in the client's order among
// equal weights. q=0 excludes a coding. "*" stands for any supported coding
// the client did not name. An empty result means no compression.
func NegotiateEncoding(acceptEncoding string, supported []string) string {
	if strings.TrimSpace(acceptEncoding) == "" || len(supported) == 0 {
		return ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)

	named := make(map[string]bool, len(accepted))
	for _, c := range accepted {
		named[c.name] = true
	}
	isSupported := func(name string) bool {
		for _, s := range supported {
			if strings.EqualFold(s, name) {
				return true
			}
		}
		return false
	}

	for _, c := range accepted {
		if c.q <= 0 {
			continue
		}
		switch {
		case c.name == "identity":
			return ""
		case c.name == "*":
			for _, s := range supported {
				if !named[strings.ToLower(s)] {
					return strings.ToLower(s)
				}
			}
		case isSupported(c.name):
			return c.name
		}
	}
	return ""
}
