package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec carries the JSON request and response types over gRPC, so the
// services need no generated protobuf code. Clients select it with the
// "json" content subtype or grpc.ForceCodec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Codec returns the codec clients must use to call the services.
func Codec() encoding.Codec { return jsonCodec{} }
