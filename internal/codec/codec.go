// Package codec holds the value encoding used for the durable cache mirror.
package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is both a Marshaler and an Unmarshaler.
type Codec interface {
	Marshaler
	Unmarshaler
}

// CBOR encodes values with fxamacker/cbor.
//
// Time values are written as RFC3339 strings with nanoseconds and maps are
// sorted canonically, so equal values always produce equal bytes.
type CBOR struct {
	em cbor.EncMode
	dm cbor.DecMode
}

var _ Codec = (*CBOR)(nil)

func NewCBOR() *CBOR {
	em, err := cbor.EncOptions{
		Sort:    cbor.SortCanonical,
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic("BUG: invalid cbor encode options: " + err.Error())
	}

	dm, err := cbor.DecOptions{
		// Decode maps into map[string]any rather than map[any]any so
		// values restored from disk look like values that never left memory.
		DefaultMapType: mapStringAny,
	}.DecMode()
	if err != nil {
		panic("BUG: invalid cbor decode options: " + err.Error())
	}

	return &CBOR{em: em, dm: dm}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.em.Marshal(v)
}

func (c *CBOR) NewEncoder(w io.Writer) Encoder {
	return c.em.NewEncoder(w)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dm.Unmarshal(data, dst)
}

func (c *CBOR) NewDecoder(r io.Reader) Decoder {
	return c.dm.NewDecoder(r)
}
