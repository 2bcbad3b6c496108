package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Frame types, numerically equal to the websocket opcodes for text and
// binary messages.
const (
	FrameText   = 1
	FrameBinary = 2
)

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// Codec encodes protocol messages for one websocket connection.
type Codec interface {
	Name() string
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CodecFor resolves an encoding query value. Empty means JSON.
func CodecFor(encoding string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingJSON:
		return JSONCodec{}, nil
	case EncodingCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string                       { return EncodingJSON }
func (JSONCodec) FrameType() int                     { return FrameText }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBORCodec uses core deterministic encoding; struct fields follow their
// json tags.
type CBORCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		// Payload data maps decode as map[string]any so they match the
		// JSON path.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

func (CBORCodec) Name() string                       { return EncodingCBOR }
func (CBORCodec) FrameType() int                     { return FrameBinary }
func (CBORCodec) Marshal(v any) ([]byte, error)      { return cborEnc.Marshal(v) }
func (CBORCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }
