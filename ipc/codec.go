package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes frame payloads.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Codec names accepted by CodecByName.
const (
	CodecJSON    = "json"
	CodecMsgPack = "msgpack"
)

var (
	// JSON is the default codec. Payloads are UTF-8 JSON documents, which is
	// what a Node consumer speaks.
	JSON Codec = jsonCodec{}
	// MsgPack encodes payloads with msgpack for Go consumers.
	MsgPack Codec = msgpackCodec{}
)

// CodecByName returns the codec for name. The empty string selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSON, nil
	case CodecMsgPack:
		return MsgPack, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want %s or %s)", name, CodecJSON, CodecMsgPack)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	// encoding/json replaces invalid bytes with U+FFFD instead of failing.
	if !utf8.Valid(data) {
		return &FrameError{Kind: FrameErrorDecode, Msg: "json payload is not valid utf-8"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode json payload", Err: err}
	}
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgPack }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(v); err != nil {
		return &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode msgpack payload", Err: err}
	}
	return nil
}
