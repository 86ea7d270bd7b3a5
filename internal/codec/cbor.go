// Package codec holds the CBOR configuration shared by the fallback file
// and the export size estimator.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: the same record always produces
// the same bytes, so batch byte budgets are stable across runs.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("codec: init encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: init decoder: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes data into v. Unknown struct fields are ignored so older
// readers accept newer files.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Size returns the encoded length of v, or -1 if v cannot be encoded.
func Size(v any) int {
	b, err := encMode.Marshal(v)
	if err != nil {
		return -1
	}
	return len(b)
}

// RawMessage is a pre-encoded CBOR item.
type RawMessage = cbor.RawMessage

// NewEncoder returns a deterministic stream encoder writing to w.
func NewEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
