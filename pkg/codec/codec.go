// Package codec encodes the messages exchanged between zephyrcast nodes.
//
// Every record is a msgpack map, so the format is self-describing and needs
// no schema registry. Responses do not carry their request type: the caller
// passes the type it recorded when the request was created.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("codec: malformed message")

type roomsResponse struct {
	RequestID string   `msgpack:"requestId"`
	Rooms     []string `msgpack:"rooms"`
}

type socketIDsResponse struct {
	RequestID string   `msgpack:"requestId"`
	Sockets   []string `msgpack:"sockets"`
}

type fetchResponse struct {
	RequestID string         `msgpack:"requestId"`
	Sockets   []SocketDetail `msgpack:"sockets"`
}

type bareResponse struct {
	RequestID string `msgpack:"requestId"`
}

// EncodeMessage encodes a broadcast.
func EncodeMessage(m *Message) ([]byte, error) {
	return encode(m)
}

// DecodeMessage decodes a broadcast.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := decode(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeRequest encodes a request.
func EncodeRequest(r *Request) ([]byte, error) {
	if !r.Type.Valid() {
		return nil, fmt.Errorf("encode request: unknown type %q", r.Type)
	}
	return encode(r)
}

// DecodeRequest decodes a request and rejects unknown types.
func DecodeRequest(b []byte) (*Request, error) {
	var r Request
	if err := decode(b, &r); err != nil {
		return nil, err
	}
	if !r.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown request type %q", ErrMalformed, r.Type)
	}
	return &r, nil
}

// EncodeResponse encodes r in the shape expected for a request of type t.
func EncodeResponse(t RequestType, r *Response) ([]byte, error) {
	switch t {
	case ListRooms:
		return encode(&roomsResponse{RequestID: r.RequestID, Rooms: r.Rooms})
	case ListSockets:
		return encode(&socketIDsResponse{RequestID: r.RequestID, Sockets: r.SocketIDs})
	case RemoteFetch:
		return encode(&fetchResponse{RequestID: r.RequestID, Sockets: r.Sockets})
	case RemoteJoin, RemoteLeave, RemoteDisconnect:
		return encode(&bareResponse{RequestID: r.RequestID})
	default:
		return nil, fmt.Errorf("encode response: %q has no response", t)
	}
}

// DecodeResponse decodes b as the response to a request of type t.
func DecodeResponse(t RequestType, b []byte) (*Response, error) {
	switch t {
	case ListRooms:
		var w roomsResponse
		if err := decode(b, &w); err != nil {
			return nil, err
		}
		return &Response{RequestID: w.RequestID, Rooms: w.Rooms}, nil
	case ListSockets:
		var w socketIDsResponse
		if err := decode(b, &w); err != nil {
			return nil, err
		}
		return &Response{RequestID: w.RequestID, SocketIDs: w.Sockets}, nil
	case RemoteFetch:
		var w fetchResponse
		if err := decode(b, &w); err != nil {
			return nil, err
		}
		return &Response{RequestID: w.RequestID, Sockets: w.Sockets}, nil
	case RemoteJoin, RemoteLeave, RemoteDisconnect:
		var w bareResponse
		if err := decode(b, &w); err != nil {
			return nil, err
		}
		return &Response{RequestID: w.RequestID}, nil
	default:
		return nil, fmt.Errorf("%w: %q has no response", ErrMalformed, t)
	}
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(b []byte, v any) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := msgpack.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
