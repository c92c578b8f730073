// Package grpcjson registers a JSON content-subtype codec for gRPC, used
// by the provider adapter's client so the plain structs in providerpb
// travel over the wire without requiring a .proto compilation step.
package grpcjson

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype registered with grpc's encoding package and
// selected via grpc.CallContentSubtype(Name).
const Name = "json"

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (codec) Name() string {
	return Name
}

func init() {
	encoding.RegisterCodec(codec{})
}
