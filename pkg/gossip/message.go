package gossip

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// nodeMeta is the metadata each member gossips about itself. memberlist caps
// it at 512 bytes.
type nodeMeta struct {
	NodeID   string `msgpack:"id"`
	HTTPAddr string `msgpack:"http,omitempty"`
}

func (m nodeMeta) encode(limit int) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(b) > limit {
		return nil, fmt.Errorf("node metadata is %d bytes, limit %d", len(b), limit)
	}
	return b, nil
}

func decodeMeta(b []byte) (nodeMeta, error) {
	var m nodeMeta
	if len(b) == 0 {
		return m, nil
	}
	err := msgpack.Unmarshal(b, &m)
	return m, err
}
