package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type blobFormat uint8

const (
	formatJSON blobFormat = iota
	formatMsgPack
)

// Blob is an opaque payload (SDP, ICE candidate) that the relay never
// interprets. It keeps the bytes it was decoded from and writes them back
// unchanged when encoded with the same codec. Crossing codecs transcodes
// through a generic value.
type Blob struct {
	raw    []byte
	format blobFormat
}

// NewBlob marshals v as JSON and wraps it.
func NewBlob(v any) (Blob, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Blob{}, fmt.Errorf("cannot marshal blob: %w", err)
	}
	return Blob{raw: b, format: formatJSON}, nil
}

// RawJSON wraps an already encoded JSON value.
func RawJSON(b []byte) Blob {
	return Blob{raw: bytes.Clone(b), format: formatJSON}
}

// IsZero reports whether the blob is absent or JSON/msgpack null.
func (b Blob) IsZero() bool {
	if len(b.raw) == 0 {
		return true
	}
	switch b.format {
	case formatMsgPack:
		return len(b.raw) == 1 && b.raw[0] == 0xc0
	default:
		return bytes.Equal(bytes.TrimSpace(b.raw), []byte("null"))
	}
}

// Decode unmarshals the payload into v.
func (b Blob) Decode(v any) error {
	if b.format == formatMsgPack {
		return msgpack.Unmarshal(b.raw, v)
	}
	return json.Unmarshal(b.raw, v)
}

// JSON returns the payload encoded as JSON.
func (b Blob) JSON() ([]byte, error) {
	return b.MarshalJSON()
}

func (b Blob) MarshalJSON() ([]byte, error) {
	if len(b.raw) == 0 {
		return []byte("null"), nil
	}
	if b.format == formatJSON {
		return b.raw, nil
	}
	var v any
	if err := msgpack.Unmarshal(b.raw, &v); err != nil {
		return nil, fmt.Errorf("cannot transcode blob: %w", err)
	}
	return json.Marshal(v)
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	b.raw = bytes.Clone(data)
	b.format = formatJSON
	return nil
}

func (b Blob) EncodeMsgpack(enc *msgpack.Encoder) error {
	if len(b.raw) == 0 {
		return enc.EncodeNil()
	}
	if b.format == formatMsgPack {
		return enc.Encode(msgpack.RawMessage(b.raw))
	}
	var v any
	if err := json.Unmarshal(b.raw, &v); err != nil {
		return fmt.Errorf("cannot transcode blob: %w", err)
	}
	return enc.Encode(v)
}

func (b *Blob) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeRaw()
	if err != nil {
		return err
	}
	b.raw = bytes.Clone(raw)
	b.format = formatMsgPack
	return nil
}
