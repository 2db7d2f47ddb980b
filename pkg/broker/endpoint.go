package broker

import (
	"net"
	"strings"
)

const defaultPort = "4222"

// NormalizeEndpoint cuts the nats:// and tls:// prefixes from the input address
// and adds the default port.
func NormalizeEndpoint(addr string) string {
	addr = strings.TrimSpace(addr)
	for _, scheme := range []string{"nats://", "tls://", "ws://", "wss://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			addr = rest
			break
		}
	}
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		addr = addr[i+1:]
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defaultPort
}

// removeEndpoint returns endpoints without the entries that point at addr.
func removeEndpoint(endpoints []string, addr string) []string {
	if addr == "" {
		return endpoints
	}
	target := NormalizeEndpoint(addr)
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if NormalizeEndpoint(e) != target {
			out = append(out, e)
		}
	}
	return out
}
