package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"tp-bridge/internal/protocol"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns raw payloads into wire frames and back. The platform's exact
// framing is not pinned down anywhere public, so it stays pluggable; both
// implementations here use a 4-byte big-endian length prefix and differ only
// in body encoding.
type Codec interface {
	Encode(w io.Writer, raw protocol.Raw) error
	Decode(r io.Reader) (protocol.Raw, error)
}

// maxFrameSize bounds a single frame; anything larger is a corrupt stream.
const maxFrameSize = 1 << 20

type wireFrame struct {
	Type   int            `msgpack:"t" json:"t"`
	Fields map[string]any `msgpack:"f" json:"f"`
}

// MsgpackCodec is the default wire codec.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(w io.Writer, raw protocol.Raw) error {
	body, err := msgpack.Marshal(wireFrame{Type: raw.Type, Fields: raw.Fields})
	if err != nil {
		return err
	}
	return writeFrame(w, body)
}

func (MsgpackCodec) Decode(r io.Reader) (protocol.Raw, error) {
	body, err := readFrame(r)
	if err != nil {
		return protocol.Raw{}, err
	}
	var frame wireFrame
	if err := msgpack.Unmarshal(body, &frame); err != nil {
		return protocol.Raw{}, fmt.Errorf("decode frame: %w", err)
	}
	return protocol.Raw{Type: frame.Type, Fields: frame.Fields}, nil
}

// JSONCodec trades compactness for a stream readable in a packet capture.
// Used by tests and the fake server tooling.
type JSONCodec struct{}

func (JSONCodec) Encode(w io.Writer, raw protocol.Raw) error {
	body, err := json.Marshal(wireFrame{Type: raw.Type, Fields: raw.Fields})
	if err != nil {
		return err
	}
	return writeFrame(w, body)
}

func (JSONCodec) Decode(r io.Reader) (protocol.Raw, error) {
	body, err := readFrame(r)
	if err != nil {
		return protocol.Raw{}, err
	}
	var frame wireFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return protocol.Raw{}, fmt.Errorf("decode frame: %w", err)
	}
	return protocol.Raw{Type: frame.Type, Fields: frame.Fields}, nil
}

func writeFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var buf bytes.Buffer
	buf.Grow(4 + len(body))
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	buf.Write(prefix[:])
	buf.Write(body)
	// One Write call so concurrent senders serialized by the caller's mutex
	// never interleave partial frames.
	_, err := w.Write(buf.Bytes())
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
