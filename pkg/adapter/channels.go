package adapter

// DefaultPrefix matches the JavaScript adapter so both can share a broker.
const DefaultPrefix = "socket.io"

// DataChannel carries broadcasts for one room. An empty room names the
// namespace-wide channel.
func DataChannel(prefix, nsp, room string) string {
	return prefix + nsp + room
}

// RequestChannel carries every request of a namespace.
func RequestChannel(prefix, nsp string) string {
	return prefix + "-request" + nsp
}

// ResponseChannel carries the responses to one request.
func ResponseChannel(prefix, nsp, requestID string) string {
	return prefix + "-response" + nsp + requestID
}

func dataKey(room string) string   { return "data:" + room }
func responseKey(id string) string { return "response:" + id }

const requestKey = "request"
