package ipc

import (
	"bytes"
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/lcls-tools/lute/internal/model"
)

// selfDescribe is CBOR tag 55799, prefixed to every structured frame.
var selfDescribe = []byte{0xd9, 0xd9, 0xf7}

// Application tags, so results and parameters decode to their Go types.
const (
	tagTaskResult uint64 = 4075101
	tagParameters uint64 = 4075102
)

// Codec encodes values into self-describing CBOR frames.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec returns a deterministic CBOR codec knowing the model types.
func NewCodec() (*Codec, error) {
	tags := cbor.NewTagSet()
	opts := cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}
	if err := tags.Add(opts, reflect.TypeOf(model.TaskResult{}), tagTaskResult); err != nil {
		return nil, err
	}
	if err := tags.Add(opts, reflect.TypeOf(model.Parameters{}), tagParameters); err != nil {
		return nil, err
	}

	em, err := cbor.CanonicalEncOptions().EncModeWithTags(tags)
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecModeWithTags(tags)
	if err != nil {
		return nil, err
	}
	return &Codec{enc: em, dec: dm}, nil
}

var defaultCodec = func() *Codec {
	c, err := NewCodec()
	if err != nil {
		panic(err)
	}
	return c
}()

// DefaultCodec returns the codec used by the Communicators.
func DefaultCodec() *Codec { return defaultCodec }

// Marshal encodes v without the frame prefix.
func (c *Codec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

// Unmarshal decodes a single item without the frame prefix.
func (c *Codec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := c.dec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Frame encodes v as one structured frame.
func (c *Codec) Frame(v any) ([]byte, error) {
	b, err := c.enc.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(selfDescribe)+len(b))
	out = append(out, selfDescribe...)
	return append(out, b...), nil
}

// DecodeFrame decodes the first frame of data and returns the bytes after it.
func (c *Codec) DecodeFrame(data []byte) (any, []byte, error) {
	if !bytes.HasPrefix(data, selfDescribe) {
		return nil, data, fmt.Errorf("%w: missing frame prefix", ErrDecode)
	}
	var v any
	rest, err := c.dec.UnmarshalFirst(data[len(selfDescribe):], &v)
	if err != nil {
		return nil, data, err
	}
	return v, rest, nil
}

// wireMessage is the socket encoding of a Message.
type wireMessage struct {
	Contents any    `cbor:"1,keyasint,omitempty"`
	Signal   string `cbor:"2,keyasint,omitempty"`
}

func (c *Codec) encodeMessage(m Message) ([]byte, error) {
	return c.Frame(wireMessage{Contents: m.Contents, Signal: string(m.Signal)})
}

func (c *Codec) decodeMessage(data []byte) (Message, error) {
	if !bytes.HasPrefix(data, selfDescribe) {
		return Message{}, fmt.Errorf("%w: missing frame prefix", ErrDecode)
	}
	var w wireMessage
	if err := c.dec.Unmarshal(data[len(selfDescribe):], &w); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	m := Message{Contents: w.Contents}
	if w.Signal != "" {
		sig, ok := ParseSignal(w.Signal)
		if !ok {
			return m.mergeStray(w.Signal), nil
		}
		m.Signal = sig
	}
	return m, nil
}
