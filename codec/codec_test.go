package codec

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"transcodeengine/gpu"
	"transcodeengine/model"
)

func TestMock_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMock()

	for _, slot := range []gpu.Slot{0, 1, 3} {
		decoded, err := m.Decode(ctx, []byte("jp2 bytes"), slot)
		require.NoError(t, err)
		assert.Equal(t, MockDecodedPayload, decoded)

		encoded, err := m.Encode(ctx, decoded, slot)
		require.NoError(t, err)
		assert.Equal(t, MockEncodedPayload, encoded)

		again, err := m.Decode(ctx, encoded, slot)
		require.NoError(t, err)
		assert.Equal(t, MockDecodedPayload, again)
	}
}

func TestMock_ReturnsCopy(t *testing.T) {
	out, err := NewMock().Decode(context.Background(), []byte("x"), 0)
	require.NoError(t, err)
	out[0] = 'X'
	assert.Equal(t, "decoded_image_data", string(MockDecodedPayload))
}

func TestMock_Failures(t *testing.T) {
	m := NewMock()

	_, err := m.Decode(context.Background(), nil, 0)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, OpDecode, cerr.Op)
	assert.Contains(t, err.Error(), "malformed")

	_, err = m.Encode(context.Background(), []byte("x"), -1)
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, OpEncode, cerr.Op)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Decode(ctx, []byte("x"), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	m := NewMock()

	out, err := Apply(ctx, m, OpEncode, []byte("raw"), 2)
	require.NoError(t, err)
	assert.Equal(t, MockEncodedPayload, out)

	_, err = Apply(ctx, m, Operation(42), []byte("raw"), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported operation")
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation(" Decode ")
	require.NoError(t, err)
	assert.Equal(t, OpDecode, op)

	op, err = ParseOperation("ENCODE")
	require.NoError(t, err)
	assert.Equal(t, OpEncode, op)

	_, err = ParseOperation("resize")
	assert.Error(t, err)

	var o Operation
	require.NoError(t, o.UnmarshalText([]byte("encode")))
	assert.Equal(t, OpEncode, o)

	text, err := OpDecode.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "decode", string(text))

	_, err = Operation(0).MarshalText()
	assert.Error(t, err)
	assert.False(t, Operation(0).Valid())
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommand_PipesThroughBinary(t *testing.T) {
	requireShell(t)
	c := NewCommand("sh", zap.NewNop())
	c.Args = func(op Operation, slot gpu.Slot) []string {
		return []string{"-c", "tr a-z A-Z"}
	}

	out, err := c.Decode(context.Background(), []byte("pixels"), 1)
	require.NoError(t, err)
	assert.Equal(t, "PIXELS", string(out))
}

func TestCommand_PinsDevice(t *testing.T) {
	requireShell(t)
	c := NewCommand("sh", nil)
	c.Args = func(op Operation, slot gpu.Slot) []string {
		return []string{"-c", `cat >/dev/null; printf '%s:%s' "$1" "$CUDA_VISIBLE_DEVICES"`, "sh", op.String()}
	}

	out, err := c.Encode(context.Background(), []byte("raw"), 3)
	require.NoError(t, err)
	assert.Equal(t, "encode:3", string(out))
}

func TestCommand_InheritDevice(t *testing.T) {
	requireShell(t)
	t.Setenv("CUDA_VISIBLE_DEVICES", "0")
	c := NewCommand("sh", nil)
	c.InheritDevice = true
	c.Args = func(op Operation, slot gpu.Slot) []string {
		return []string{"-c", `cat >/dev/null; printf '%s' "$CUDA_VISIBLE_DEVICES"`}
	}

	out, err := c.Decode(context.Background(), []byte("raw"), 3)
	require.NoError(t, err)
	assert.Equal(t, "0", string(out))
}

func TestCommand_Failures(t *testing.T) {
	requireShell(t)
	c := NewCommand("sh", zap.NewNop())

	c.Args = func(Operation, gpu.Slot) []string {
		return []string{"-c", "cat >/dev/null; echo 'bad codestream' >&2; exit 2"}
	}
	_, err := c.Decode(context.Background(), []byte("raw"), 0)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "bad codestream", cerr.Message)

	c.Args = func(Operation, gpu.Slot) []string {
		return []string{"-c", "cat >/dev/null"}
	}
	_, err = c.Decode(context.Background(), []byte("raw"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output")

	_, err = c.Decode(context.Background(), nil, 0)
	assert.Contains(t, err.Error(), "malformed")
}

func TestCommand_Timeout(t *testing.T) {
	requireShell(t)
	c := NewCommand("sh", zap.NewNop())
	c.Timeout = 50 * time.Millisecond
	c.Args = func(Operation, gpu.Slot) []string {
		return []string{"-c", "exec sleep 5"}
	}

	_, err := c.Encode(context.Background(), []byte("raw"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDefaultArgs(t *testing.T) {
	assert.Equal(t, []string{"decode", "--device", "0"}, DefaultArgs(OpDecode, 2))
}

func TestDeviceRequests(t *testing.T) {
	reqs := deviceRequests(2)
	require.Len(t, reqs, 1)
	assert.Equal(t, "nvidia", reqs[0].Driver)
	assert.Equal(t, []string{"2"}, reqs[0].DeviceIDs)
	assert.Equal(t, [][]string{{"gpu"}}, reqs[0].Capabilities)
	assert.Equal(t, "transcode-gpu-2", containerName(2))
}

func TestCPUPercent(t *testing.T) {
	var s model.Stats
	s.PreCPUStats.CPUUsage.TotalUsage = 1_000
	s.PreCPUStats.SystemCPUUsage = 10_000
	s.CPUStats.CPUUsage.TotalUsage = 2_000
	s.CPUStats.SystemCPUUsage = 20_000
	s.CPUStats.OnlineCPUs = 4

	assert.InDelta(t, 40.0, cpuPercent(s), 0.001)

	s.CPUStats.SystemCPUUsage = s.PreCPUStats.SystemCPUUsage
	assert.Equal(t, 0.0, cpuPercent(s))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}
