package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// ws:// wss:// prefixes from the
// input address and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			addr = rest
			break
		}
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// WebsocketURL returns the websocket endpoint of the node at addr.
func WebsocketURL(addr string) string {
	return "ws://" + NormalizeHostPort(addr, "8080") + "/ws"
}
