package gpu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// HostCPUSampler reports host CPU utilisation for every slot. It stands in
// for real device metrics when running with the simulated codec.
type HostCPUSampler struct {
	// Window is the measurement interval, default one second.
	Window time.Duration

	percent func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
}

func (s *HostCPUSampler) Sample(ctx context.Context, _ Slot) (float64, error) {
	window := s.Window
	if window <= 0 {
		window = time.Second
	}
	percent := s.percent
	if percent == nil {
		percent = cpu.PercentWithContext
	}

	values, err := percent(ctx, window, false)
	if err != nil {
		return 0, fmt.Errorf("failed to read host cpu usage: %w", err)
	}
	if len(values) == 0 {
		return 0, errors.New("no host cpu usage reported")
	}
	return values[0], nil
}

// NvidiaSMISampler reads GPU utilisation through nvidia-smi.
type NvidiaSMISampler struct {
	// Path defaults to "nvidia-smi".
	Path string
}

func (s *NvidiaSMISampler) Sample(ctx context.Context, slot Slot) (float64, error) {
	path := s.Path
	if path == "" {
		path = "nvidia-smi"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path,
		"--query-gpu=utilization.gpu",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(int(slot)))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("nvidia-smi failed for slot %d: %w: %s", slot, err, strings.TrimSpace(stderr.String()))
	}
	return parseUtilization(stdout.String())
}

func parseUtilization(output string) (float64, error) {
	value := strings.TrimSpace(output)
	if i := strings.IndexByte(value, '\n'); i >= 0 {
		value = strings.TrimSpace(value[:i])
	}
	value = strings.TrimSuffix(strings.TrimSpace(value), "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected nvidia-smi output %q: %w", output, err)
	}
	return v, nil
}
