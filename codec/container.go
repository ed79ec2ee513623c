package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	logrus "github.com/sirupsen/logrus"

	"transcodeengine/gpu"
	"transcodeengine/model"
)

const (
	managedLabel = "transcode.managed"
	slotLabel    = "transcode.slot"
)

type ContainerState string

const (
	ContainerIdle  ContainerState = "idle"
	ContainerBusy  ContainerState = "busy"
	ContainerError ContainerState = "error"
)

// ContainerInfo holds information about a slot's worker container
type ContainerInfo struct {
	ID    string         `json:"id"`
	Slot  gpu.Slot       `json:"slot"`
	State ContainerState `json:"state"`
}

// ContainerOptions configures the per-slot worker containers.
type ContainerOptions struct {
	Image string
	// Command is the codec binary inside the image.
	Command string
	// MemoryBytes limits each container. Zero means no limit.
	MemoryBytes int64
	Timeout     time.Duration
	// LogPath receives the container lifecycle log. Empty logs to stderr.
	LogPath string
}

// ContainerManager keeps one long-lived worker container per GPU slot, each
// pinned to its device, and runs transcodes inside them with docker exec.
// It also serves as a usage sampler through container stats.
type ContainerManager struct {
	dockerClient *client.Client
	opts         ContainerOptions
	capacity     int
	containers   map[gpu.Slot]*ContainerInfo
	mu           sync.Mutex
	logger       *logrus.Logger
}

// NewContainerManager creates a manager for capacity slots.
func NewContainerManager(capacity int, opts ContainerOptions) (*ContainerManager, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if opts.Command == "" {
		opts.Command = "nvjpeg2k_cli"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}

	logger := logrus.New()
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err := os.OpenFile(opts.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(logFile)
	}

	return &ContainerManager{
		dockerClient: dockerClient,
		opts:         opts,
		capacity:     capacity,
		containers:   make(map[gpu.Slot]*ContainerInfo),
		logger:       logger,
	}, nil
}

// InitializePool adopts existing managed containers and starts one for every
// slot that has none.
func (cm *ContainerManager) InitializePool(ctx context.Context) error {
	existing, err := cm.List(ctx)
	if err != nil {
		return err
	}

	for _, info := range existing {
		if int(info.Slot) >= cm.capacity {
			cm.logger.Printf("Removing container %s for slot %d beyond capacity", shortID(info.ID), info.Slot)
			cm.RemoveContainer(ctx, info.ID)
			continue
		}
		cm.mu.Lock()
		if _, taken := cm.containers[info.Slot]; taken {
			cm.mu.Unlock()
			cm.logger.Printf("Removing duplicate container %s for slot %d", shortID(info.ID), info.Slot)
			cm.RemoveContainer(ctx, info.ID)
			continue
		}
		cm.containers[info.Slot] = &ContainerInfo{ID: info.ID, Slot: info.Slot, State: info.State}
		cm.mu.Unlock()
		cm.logger.Printf("Found existing worker container: %s (slot %d, state: %s)", shortID(info.ID), info.Slot, info.State)
	}

	for i := 0; i < cm.capacity; i++ {
		slot := gpu.Slot(i)
		cm.mu.Lock()
		info, ok := cm.containers[slot]
		cm.mu.Unlock()
		if ok && info.State != ContainerError {
			continue
		}
		if ok {
			cm.RemoveContainer(ctx, info.ID)
		}
		if err := cm.StartContainer(ctx, slot); err != nil {
			cm.logger.Errorf("Failed to start container for slot %d: %v", slot, err)
		}
	}

	if cm.ContainerCount() == 0 {
		return fmt.Errorf("failed to initialize container pool: no containers available")
	}
	return nil
}

// StartContainer creates and starts the worker container for slot.
func (cm *ContainerManager) StartContainer(ctx context.Context, slot gpu.Slot) error {
	config := &container.Config{
		Image: cm.opts.Image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   true,
		Labels: map[string]string{
			managedLabel: "true",
			slotLabel:    strconv.Itoa(int(slot)),
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:         cm.opts.MemoryBytes,
			DeviceRequests: deviceRequests(slot),
		},
		NetworkMode: "none",
	}

	resp, err := cm.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName(slot))
	if err != nil {
		cm.logger.Errorf("failed to create container for slot %d: %v", slot, err)
		return fmt.Errorf("failed to create container: %w", err)
	}

	if err := cm.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cm.dockerClient.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		cm.logger.Errorf("failed to start container %s: %v", shortID(resp.ID), err)
		return fmt.Errorf("failed to start container: %w", err)
	}

	cm.mu.Lock()
	cm.containers[slot] = &ContainerInfo{ID: resp.ID, Slot: slot, State: ContainerIdle}
	cm.mu.Unlock()
	cm.logger.Printf("Started worker container %s for slot %d", shortID(resp.ID), slot)
	return nil
}

// RemoveContainer force-removes a container and forgets it.
func (cm *ContainerManager) RemoveContainer(ctx context.Context, containerID string) {
	if err := cm.dockerClient.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		cm.logger.Printf("Failed to remove container %s: %v", shortID(containerID), err)
	}

	cm.mu.Lock()
	for slot, info := range cm.containers {
		if info.ID == containerID {
			delete(cm.containers, slot)
		}
	}
	cm.mu.Unlock()
	cm.logger.Printf("Removed container: %s", shortID(containerID))
}

// List returns every managed container known to the Docker daemon.
func (cm *ContainerManager) List(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := cm.dockerClient.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		cm.logger.Errorf("failed to list containers: %v", err)
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		slot, err := strconv.Atoi(c.Labels[slotLabel])
		if err != nil {
			continue
		}
		state := ContainerIdle
		if c.State != "running" {
			state = ContainerError
		}
		out = append(out, ContainerInfo{ID: c.ID, Slot: gpu.Slot(slot), State: state})
	}
	return out, nil
}

// Prune removes every managed container, tracked or not.
func (cm *ContainerManager) Prune(ctx context.Context) (int, error) {
	containers, err := cm.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, info := range containers {
		cm.RemoveContainer(ctx, info.ID)
	}
	return len(containers), nil
}

// MonitorContainers replaces dead slot containers until ctx is cancelled.
func (cm *ContainerManager) MonitorContainers(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.checkHealth(ctx)
		}
	}
}

func (cm *ContainerManager) checkHealth(ctx context.Context) {
	running, err := cm.List(ctx)
	if err != nil {
		return
	}
	alive := make(map[string]bool, len(running))
	for _, info := range running {
		if info.State != ContainerError {
			alive[info.ID] = true
		}
	}

	cm.mu.Lock()
	dead := cm.replacements(alive)
	cm.mu.Unlock()

	for _, info := range dead {
		if info.ID != "" {
			cm.RemoveContainer(ctx, info.ID)
		}
		if err := cm.StartContainer(ctx, info.Slot); err != nil {
			cm.logger.Printf("Failed to start replacement container for slot %d: %v", info.Slot, err)
		}
	}
}

// replacements lists the slots whose container is missing, no longer running
// or errored. Busy containers are left alone. Callers hold cm.mu.
func (cm *ContainerManager) replacements(alive map[string]bool) []*ContainerInfo {
	var dead []*ContainerInfo
	for i := 0; i < cm.capacity; i++ {
		slot := gpu.Slot(i)
		info, ok := cm.containers[slot]
		switch {
		case !ok:
			dead = append(dead, &ContainerInfo{Slot: slot})
		case info.State == ContainerError:
			cm.logger.Printf("Container %s for slot %d errored, replacing", shortID(info.ID), i)
			dead = append(dead, &ContainerInfo{ID: info.ID, Slot: slot})
		case !alive[info.ID] && info.State != ContainerBusy:
			cm.logger.Printf("Container %s for slot %d not running, replacing", shortID(info.ID), i)
			dead = append(dead, &ContainerInfo{ID: info.ID, Slot: slot})
		}
	}
	return dead
}

func (cm *ContainerManager) Decode(ctx context.Context, data []byte, slot gpu.Slot) ([]byte, error) {
	return cm.exec(ctx, OpDecode, data, slot)
}

func (cm *ContainerManager) Encode(ctx context.Context, data []byte, slot gpu.Slot) ([]byte, error) {
	return cm.exec(ctx, OpEncode, data, slot)
}

// exec pipes data through the codec binary inside the slot's container.
func (cm *ContainerManager) exec(ctx context.Context, op Operation, data []byte, slot gpu.Slot) ([]byte, error) {
	if len(data) == 0 {
		return nil, &Error{Op: op, Slot: slot, Message: "malformed stream: empty input"}
	}

	// An errored container may still run a stale codec process on the GPU.
	cm.mu.Lock()
	info, ok := cm.containers[slot]
	var state ContainerState
	if ok {
		state = info.State
		if state != ContainerError {
			info.State = ContainerBusy
		}
	}
	cm.mu.Unlock()
	if !ok {
		return nil, &Error{Op: op, Slot: slot, Message: "no worker container for slot"}
	}
	if state == ContainerError {
		return nil, &Error{Op: op, Slot: slot, Message: "worker container awaiting replacement"}
	}
	defer cm.setState(slot, ContainerIdle)

	ctx, cancel := context.WithTimeout(ctx, cm.opts.Timeout)
	defer cancel()

	args := append([]string{"exec", "-i", info.ID, cm.opts.Command}, DefaultArgs(op, slot)...)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cm.logger.WithFields(logrus.Fields{
			"container": shortID(info.ID),
			"slot":      int(slot),
			"operation": op.String(),
			"duration":  duration,
		}).Warn("Execution timeout, container will be replaced")
		cm.setState(slot, ContainerError)
		return nil, &Error{Op: op, Slot: slot, Message: fmt.Sprintf("timeout after %v", cm.opts.Timeout), Err: ctx.Err()}
	}
	if err != nil {
		cm.logger.WithFields(logrus.Fields{
			"container": shortID(info.ID),
			"slot":      int(slot),
			"operation": op.String(),
			"duration":  duration,
			"error":     err,
		}).Error("Execution failed")
		return nil, &Error{Op: op, Slot: slot, Message: strings.TrimSpace(stderr.String()), Err: err}
	}

	cm.logger.WithFields(logrus.Fields{
		"container": shortID(info.ID),
		"slot":      int(slot),
		"operation": op.String(),
		"duration":  duration,
	}).Debug("Execution completed")
	return stdout.Bytes(), nil
}

// Sample reports the CPU percentage of the slot's container.
func (cm *ContainerManager) Sample(ctx context.Context, slot gpu.Slot) (float64, error) {
	cm.mu.Lock()
	info, ok := cm.containers[slot]
	cm.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no worker container for slot %d", slot)
	}

	resp, err := cm.dockerClient.ContainerStatsOneShot(ctx, info.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to read stats for %s: %w", shortID(info.ID), err)
	}
	defer resp.Body.Close()

	var stats model.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("failed to decode stats for %s: %w", shortID(info.ID), err)
	}
	return cpuPercent(stats), nil
}

// setState updates the state of a slot's container
func (cm *ContainerManager) setState(slot gpu.Slot, state ContainerState) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if info, ok := cm.containers[slot]; ok && info.State != ContainerError {
		info.State = state
	}
}

// ContainerCount returns the current number of tracked containers
func (cm *ContainerManager) ContainerCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.containers)
}

// Shutdown removes every tracked container.
func (cm *ContainerManager) Shutdown(ctx context.Context) {
	cm.mu.Lock()
	ids := make([]string, 0, len(cm.containers))
	for _, info := range cm.containers {
		ids = append(ids, info.ID)
	}
	cm.mu.Unlock()

	for _, id := range ids {
		cm.RemoveContainer(ctx, id)
	}
	cm.dockerClient.Close()
}

func deviceRequests(slot gpu.Slot) []container.DeviceRequest {
	return []container.DeviceRequest{{
		Driver:       "nvidia",
		DeviceIDs:    []string{strconv.Itoa(int(slot))},
		Capabilities: [][]string{{"gpu"}},
	}}
}

func containerName(slot gpu.Slot) string {
	return fmt.Sprintf("transcode-gpu-%d", slot)
}

// cpuPercent follows the calculation used by docker stats.
func cpuPercent(s model.Stats) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage - s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemCPUUsage - s.PreCPUStats.SystemCPUUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100
}

// shortID returns a shortened container ID for logging
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
