package route

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/mem"
)

// codecName is the gRPC content subtype of the route service.
const codecName = "json"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	encoding.RegisterCodecV2(jsonCodec{})
}

// jsonCodec encodes route service messages as JSON, so the service is
// described by plain Go types.
type jsonCodec struct{}

func (jsonCodec) Name() string {
	return codecName
}

func (jsonCodec) Marshal(v any) (mem.BufferSlice, error) {
	buf, err := jsonAPI.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json: failed to marshal %T: %w", v, err)
	}
	return mem.BufferSlice{mem.SliceBuffer(buf)}, nil
}

func (jsonCodec) Unmarshal(data mem.BufferSlice, v any) error {
	if err := jsonAPI.Unmarshal(data.Materialize(), v); err != nil {
		return fmt.Errorf("json: failed to unmarshal %T: %w", v, err)
	}
	return nil
}
