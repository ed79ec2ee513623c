package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"transcodeengine/codec"
	"transcodeengine/config"
	"transcodeengine/gpu"
)

// NewCodec builds the configured codec backend. The container manager is
// returned separately so the caller can supervise and shut it down; it is
// nil for the other backends.
func NewCodec(ctx context.Context, cfg config.Config, logger *zap.Logger) (codec.Codec, *codec.ContainerManager, error) {
	switch cfg.Backend() {
	case "mock":
		logger.Info("Using mock nvJPEG2000 codec")
		return codec.NewMock(), nil, nil
	case "command":
		c := codec.NewCommand(cfg.CodecCommand, logger)
		if cfg.JobTimeout > 0 {
			c.Timeout = cfg.JobTimeout
		}
		return c, nil, nil
	case "container":
		cm, err := codec.NewContainerManager(cfg.GPUCount, codec.ContainerOptions{
			Image:       cfg.CodecImage,
			Command:     cfg.CodecCommand,
			MemoryBytes: cfg.CodecMemoryBytes,
			Timeout:     cfg.JobTimeout,
			LogPath:     cfg.ContainerLogPath,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := cm.InitializePool(ctx); err != nil {
			cm.Shutdown(context.Background())
			return nil, nil, err
		}
		return cm, cm, nil
	}
	return nil, nil, fmt.Errorf("unknown codec backend %q", cfg.Backend())
}

// NewSampler picks the usage source for the monitor.
func NewSampler(cfg config.Config, cm *codec.ContainerManager) gpu.Sampler {
	switch cfg.UsageSource {
	case "nvidia-smi":
		return &gpu.NvidiaSMISampler{}
	case "container":
		if cm != nil {
			return cm
		}
	}
	return &gpu.HostCPUSampler{Window: 200 * time.Millisecond}
}
