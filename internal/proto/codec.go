package proto

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding; netip values travel as their text
	// form.
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("proto: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("proto: CBOR decoder initialization failed: " + err.Error())
	}
}

// MaxPayload bounds the Payload of a Data frame written by the layer.
const MaxPayload = 64 * 1024

// Marshal encodes m as one CBOR data item.
func Marshal(m *Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Unmarshal decodes a single frame.
func Unmarshal(data []byte, m *Message) error {
	return decMode.Unmarshal(data, m)
}

// Decoder reads consecutive frames from a stream.
type Decoder struct {
	dec *cbor.Decoder
}

// NewDecoder returns a frame decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: decMode.NewDecoder(r)}
}

// Decode reads the next frame.  io.EOF marks a clean end of stream.
func (d *Decoder) Decode() (*Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encoder writes frames to a stream.  It is not safe for concurrent
// use; the bridge serialises writes through its writer goroutine.
type Encoder struct {
	enc *cbor.Encoder
}

// NewEncoder returns a frame encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: encMode.NewEncoder(w)}
}

// Encode writes m.
func (e *Encoder) Encode(m *Message) error {
	return e.enc.Encode(m)
}
