// Package rpc wires the service fabric's RPC surface onto
// google.golang.org/grpc without protoc-generated stubs: this codebase
// carries no .proto sources, only the transport and message contracts.
// It registers a JSON codec and provides the generic method-handler
// (Handler) and client-call (Call) helpers that would otherwise come
// from generated code; the grpc.ServiceDesc values themselves are
// declared in pkg/api.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype negotiated on every call via
// grpc.CallContentSubtype.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec, standing in for the protobuf wire
// codec grpc-go uses by default. Every request/response type in pkg/api
// is a plain Go struct with `json` tags, so marshaling needs nothing
// beyond the standard library.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }
