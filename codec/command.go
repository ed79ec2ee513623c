package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"transcodeengine/gpu"
)

// DefaultCommandTimeout bounds a single external codec invocation.
const DefaultCommandTimeout = 2 * time.Minute

// ArgsFunc builds the argument list for one codec invocation.
type ArgsFunc func(op Operation, slot gpu.Slot) []string

// DefaultArgs produces "<op> --device 0" for an nvjpeg2k-style CLI that reads
// the image on stdin and writes the result to stdout. The slot's GPU is the
// only visible device, so the CLI always addresses device 0.
func DefaultArgs(op Operation, _ gpu.Slot) []string {
	return []string{op.String(), "--device", "0"}
}

// Command runs transcodes through an external binary pinned to the slot's device.
type Command struct {
	Path    string
	Args    ArgsFunc
	Timeout time.Duration
	// Env is appended to the current environment. CUDA_VISIBLE_DEVICES is
	// set to the slot unless InheritDevice is true.
	Env []string
	// InheritDevice keeps the CUDA_VISIBLE_DEVICES of the environment, as
	// set by a scheduler that allocated the device itself.
	InheritDevice bool
	logger        *zap.Logger
}

func NewCommand(path string, logger *zap.Logger) *Command {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{
		Path:    path,
		Args:    DefaultArgs,
		Timeout: DefaultCommandTimeout,
		logger:  logger.With(zap.String("component", "codec-command")),
	}
}

func (c *Command) Decode(ctx context.Context, data []byte, slot gpu.Slot) ([]byte, error) {
	return c.run(ctx, OpDecode, data, slot)
}

func (c *Command) Encode(ctx context.Context, data []byte, slot gpu.Slot) ([]byte, error) {
	return c.run(ctx, OpEncode, data, slot)
}

func (c *Command) run(ctx context.Context, op Operation, data []byte, slot gpu.Slot) ([]byte, error) {
	if len(data) == 0 {
		return nil, &Error{Op: op, Slot: slot, Message: "malformed stream: empty input"}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := c.Args
	if args == nil {
		args = DefaultArgs
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, args(op, slot)...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	cmd.Env = append(cmd.Environ(), c.Env...)
	if !c.InheritDevice {
		cmd.Env = append(cmd.Env, "CUDA_VISIBLE_DEVICES="+strconv.Itoa(int(slot)))
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("Codec timeout",
			zap.String("operation", op.String()),
			zap.Int("slot", int(slot)),
			zap.Duration("duration", duration))
		return nil, &Error{Op: op, Slot: slot, Message: fmt.Sprintf("timeout after %v", timeout), Err: ctx.Err()}
	}
	if err != nil {
		c.logger.Error("Codec execution failed",
			zap.String("operation", op.String()),
			zap.Int("slot", int(slot)),
			zap.Duration("duration", duration),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err))
		return nil, &Error{Op: op, Slot: slot, Message: strings.TrimSpace(stderr.String()), Err: err}
	}
	if stdout.Len() == 0 {
		return nil, &Error{Op: op, Slot: slot, Message: "codec produced no output"}
	}

	c.logger.Debug("Codec execution completed",
		zap.String("operation", op.String()),
		zap.Int("slot", int(slot)),
		zap.Duration("duration", duration))
	return stdout.Bytes(), nil
}
