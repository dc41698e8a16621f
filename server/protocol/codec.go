package protocol

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPc content-subtype this package registers its codec
// under. A real deployment of this protocol would compile Worker Protocol
// messages from a .proto file with protoc and let grpc-go's default codec
// marshal them as binary Protobuf. protoc is not available in this build
// environment, so Worker Protocol frames are defined here as plain Go
// structs (see messages.go) and marshaled as JSON under a codec registered
// for this content-subtype instead of fabricating hand-rolled protoreflect
// internals that would not match anything protoc could have generated. See
// DESIGN.md for the reasoning behind this deviation.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
