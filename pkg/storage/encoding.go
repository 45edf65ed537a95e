package storage

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
)

// encodeValue produces the length-prefixed msgpack-equivalent binary value
// spec §4.3 requires, optionally gzip-framed when opts.Compression is set.
func encodeValue(v interface{}, opts Options) ([]byte, error) {
	packed, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	if opts.Compression {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(packed); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		packed = buf.Bytes()
	}
	framed := make([]byte, 4+len(packed))
	binary.LittleEndian.PutUint32(framed[:4], uint32(len(packed)))
	copy(framed[4:], packed)
	return framed, nil
}

// decodeValue reverses encodeValue into dst.
func decodeValue(framed []byte, dst interface{}, opts Options) error {
	if len(framed) < 4 {
		return io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint32(framed[:4])
	body := framed[4:]
	if uint32(len(body)) < n {
		return io.ErrUnexpectedEOF
	}
	body = body[:n]
	if opts.Compression {
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer gr.Close()
		raw, err := io.ReadAll(gr)
		if err != nil {
			return err
		}
		body = raw
	}
	return msgpack.Unmarshal(body, dst)
}

// RawBytes lets callers store pre-serialized payloads (e.g. already-encoded
// block bytes) without a further msgpack wrap.
type RawBytes []byte
