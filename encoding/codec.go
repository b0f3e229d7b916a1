package encoding

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"

	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"

	// HeaderContentType names the message header carrying the payload codec.
	HeaderContentType = "content-type"
)

var errInvalidJSON = errors.New("payload is not valid JSON")

// Codec serializes batch payloads for the broker.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                               { return CodecJSON }
func (jsonCodec) ContentType() string                        { return ContentTypeJSON }
func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return MarshalJSON(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return UnmarshalJSON(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                               { return CodecMsgpack }
func (msgpackCodec) ContentType() string                        { return ContentTypeMsgpack }
func (msgpackCodec) Marshal(v interface{}) ([]byte, error)      { return Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v interface{}) error { return Unmarshal(data, v) }

// CodecFor returns the codec registered under name.
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case CodecJSON, "":
		return jsonCodec{}, nil
	case CodecMsgpack:
		return msgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec: %s", name)
}

// CodecForContentType maps a content-type header back to its codec.
// A missing header means JSON.
func CodecForContentType(contentType string) (Codec, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case ContentTypeJSON, "":
		return jsonCodec{}, nil
	case ContentTypeMsgpack, "application/x-msgpack":
		return msgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported content type: %s", contentType)
}
