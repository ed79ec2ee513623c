package codec

import (
	"context"

	"transcodeengine/gpu"
)

var (
	MockDecodedPayload = []byte("decoded_image_data")
	MockEncodedPayload = []byte("encoded_image_data")
)

// Mock simulates the nvJPEG2000 library for development without a GPU. Any
// non-empty input decodes and encodes to a fixed payload.
type Mock struct{}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Decode(ctx context.Context, data []byte, slot gpu.Slot) ([]byte, error) {
	return m.run(ctx, OpDecode, data, slot, MockDecodedPayload)
}

func (m *Mock) Encode(ctx context.Context, data []byte, slot gpu.Slot) ([]byte, error) {
	return m.run(ctx, OpEncode, data, slot, MockEncodedPayload)
}

func (m *Mock) run(ctx context.Context, op Operation, data []byte, slot gpu.Slot, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: op, Slot: slot, Message: "cancelled", Err: err}
	}
	if slot < 0 {
		return nil, &Error{Op: op, Slot: slot, Message: "invalid device"}
	}
	if len(data) == 0 {
		return nil, &Error{Op: op, Slot: slot, Message: "malformed stream: empty input"}
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}
