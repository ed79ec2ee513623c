// Package codec defines the JPEG 2000 transcode capability and its backends.
package codec

import (
	"context"
	"fmt"
	"strings"

	"transcodeengine/gpu"
)

// Codec decodes or encodes an image on a GPU slot the caller already holds.
type Codec interface {
	Decode(ctx context.Context, data []byte, slot gpu.Slot) ([]byte, error)
	Encode(ctx context.Context, data []byte, slot gpu.Slot) ([]byte, error)
}

// Operation is the transcode direction of a job.
type Operation int

const (
	OpDecode Operation = iota + 1
	OpEncode
)

func (o Operation) String() string {
	switch o {
	case OpDecode:
		return "decode"
	case OpEncode:
		return "encode"
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// Valid reports whether o is one of the defined operations.
func (o Operation) Valid() bool {
	return o == OpDecode || o == OpEncode
}

// ParseOperation maps "decode" or "encode" (case-insensitive) to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "decode":
		return OpDecode, nil
	case "encode":
		return OpEncode, nil
	}
	return 0, fmt.Errorf("unsupported operation: %q", s)
}

func (o Operation) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("unsupported operation: %d", int(o))
	}
	return []byte(o.String()), nil
}

func (o *Operation) UnmarshalText(text []byte) error {
	op, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// Apply runs op on c.
func Apply(ctx context.Context, c Codec, op Operation, data []byte, slot gpu.Slot) ([]byte, error) {
	switch op {
	case OpDecode:
		return c.Decode(ctx, data, slot)
	case OpEncode:
		return c.Encode(ctx, data, slot)
	}
	return nil, &Error{Op: op, Slot: slot, Message: "unsupported operation"}
}

// Error is a transcode failure: malformed input or a device-level fault.
type Error struct {
	Op      Operation
	Slot    gpu.Slot
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s on gpu %d failed: %s", e.Op, e.Slot, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
