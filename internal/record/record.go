// Package record frames the opaque byte records stored in pack blobs. A
// record is a plaintext header line naming its kind and key, followed by a
// zstd-compressed payload. The header lets the packer verify a record's
// identity during a copy without decoding the payload.
package record

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	errs "loom/internal/errors"
	"loom/internal/index"
)

// Kind tells how a record's payload encodes its content.
type Kind string

const (
	Fulltext  Kind = "fulltext"
	LineDelta Kind = "line-delta"
)

const headerMagic = "loom"

// Codec encodes and decodes records with pooled zstd workers.
type Codec struct {
	encoders sync.Pool
	decoders sync.Pool
}

func NewCodec() (*Codec, error) {
	// build one of each up front so option errors surface here
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	enc.Close()
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	dec.Close()

	return &Codec{
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}, nil
}

// Encode frames a record.
func (c *Codec) Encode(kind Kind, key index.Key, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\n", headerMagic, kind, key.Path())

	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)
	buf.Write(enc.EncodeAll(payload, nil))
	return buf.Bytes(), nil
}

// Header holds the identity of a record without its payload.
type Header struct {
	Kind Kind
	Key  index.Key
}

func splitHeader(raw []byte) (Header, []byte, error) {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return Header{}, nil, errs.Formatf("record missing header line")
	}
	fields := bytes.Split(raw[:nl], []byte(" "))
	if len(fields) != 3 || string(fields[0]) != headerMagic {
		return Header{}, nil, errs.Formatf("record header %q malformed", raw[:nl])
	}
	kind := Kind(fields[1])
	if kind != Fulltext && kind != LineDelta {
		return Header{}, nil, errs.Formatf("record has unknown kind %q", fields[1])
	}
	key, err := index.ParsePath(string(fields[2]))
	if err != nil {
		return Header{}, nil, errs.Formatf("record header key %q malformed", fields[2])
	}
	return Header{Kind: kind, Key: key}, raw[nl+1:], nil
}

// VerifyHeader checks a raw record's identity against the expected key. It
// reads only the header, never the compressed payload.
func (c *Codec) VerifyHeader(raw []byte, key index.Key) (Header, error) {
	header, _, err := splitHeader(raw)
	if err != nil {
		return Header{}, err
	}
	if !header.Key.Equal(key) {
		return Header{}, errs.Formatf("record claims key %s, index says %s",
			header.Key.Path(), key.Path())
	}
	return header, nil
}

// Decode parses and decompresses a raw record.
func (c *Codec) Decode(raw []byte) (Header, []byte, error) {
	header, compressed, err := splitHeader(raw)
	if err != nil {
		return Header{}, nil, err
	}

	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)
	payload, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return Header{}, nil, errs.Formatf("record %s: corrupt payload: %v", header.Key.Path(), err)
	}
	return header, payload, nil
}
