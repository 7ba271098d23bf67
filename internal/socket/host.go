package socket

import (
	"fmt"
	"net"
	"strconv"
)

// Host identifies one endpoint: an address or name plus a port
type Host struct {
	Address string
	Port    int
}

// NewHost returns the host for address and port
func NewHost(address string, port int) Host {
	return Host{Address: address, Port: port}
}

// ParseHost parses "address:port"; IPv6 addresses must be bracketed
func ParseHost(s string) (Host, error) {
	address, portText, err := net.SplitHostPort(s)
	if err != nil {
		return Host{}, fmt.Errorf("invalid host %q: %w", s, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 {
		return Host{}, fmt.Errorf("invalid port in host %q", s)
	}
	return Host{Address: address, Port: port}, nil
}

// HostFromAddr converts a net.Addr into a Host. Unknown address types keep
// the textual form with port 0.
func HostFromAddr(addr net.Addr) Host {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return Host{Address: a.IP.String(), Port: a.Port}
	case *net.UDPAddr:
		return Host{Address: a.IP.String(), Port: a.Port}
	case nil:
		return Host{}
	default:
		if h, err := ParseHost(a.String()); err == nil {
			return h
		}
		return Host{Address: a.String()}
	}
}

// String renders the host as "address:port"
func (h Host) String() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// IsZero reports whether the host is unset
func (h Host) IsZero() bool {
	return h.Address == "" && h.Port == 0
}
