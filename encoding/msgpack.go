// Package encoding is the single place ripple encodes durable values.
// Change records stored in the Pebble log go through Marshal/Unmarshal so
// every reader decodes snapshots the same way.
//
// Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal encodes a value to msgpack. Maps are written with sorted keys so
// equal snapshots produce equal bytes.
func Marshal(v any) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// Strings inside snapshots decode as Go strings rather than []byte, which
// the predicate evaluator relies on for string comparisons.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
