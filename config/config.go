package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	NatsURL     string
	Environment string

	GPUCount        int
	MonitorInterval time.Duration
	// UsageSource is cpu, nvidia-smi or container.
	UsageSource string

	// CodecBackend is mock, command or container.
	CodecBackend     string
	CodecCommand     string
	CodecImage       string
	CodecMemoryBytes int64
	UseMockCodec     bool
	ContainerLogPath string

	// DispatchMode is local or slurm.
	DispatchMode     string
	ScriptDir        string
	SchedulerCommand string
	SlurmRunner      string
	SlurmSetup       []string

	BatchParallelism int
	JobTimeout       time.Duration

	StatusPort     string
	Port           string
	Ratelimit      int
	RatelimitBurst int
	ResultsDB      string

	BetterStackUploadURL   string
	BetterStackSourceToken string
}

func LoadConfig() Config {
	err := godotenv.Load(".env")
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() Config {
	return Config{
		NatsURL:     getEnv("NATSURL", "nats://localhost:4222"),
		Environment: getEnv("ENVIRONMENT", "production"),

		GPUCount:        getEnvInt("GPU_COUNT", 4),
		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 5*time.Second),
		UsageSource:     getEnv("USAGE_SOURCE", "cpu"),

		CodecBackend:     getEnv("CODEC_BACKEND", "mock"),
		CodecCommand:     getEnv("CODEC_COMMAND", "nvjpeg2k_cli"),
		CodecImage:       getEnv("CODEC_IMAGE", "transcode/nvjpeg2k-worker"),
		CodecMemoryBytes: int64(getEnvInt("CODEC_MEMORY_MB", 2048)) * 1024 * 1024,
		UseMockCodec:     getEnvBool("USE_MOCK_NVJPEG2000", true),
		ContainerLogPath: getEnv("CONTAINER_LOG", "logs/container.log"),

		DispatchMode:     getEnv("DISPATCH_MODE", "local"),
		ScriptDir:        getEnv("SCRIPT_DIR", "slurm_scripts"),
		SchedulerCommand: getEnv("SCHEDULER_COMMAND", "sbatch"),
		SlurmRunner:      getEnv("SLURM_RUNNER", "transcodectl"),
		SlurmSetup:       splitList(getEnv("SLURM_SETUP", "")),

		BatchParallelism: getEnvInt("BATCH_PARALLELISM", 1),
		JobTimeout:       getEnvDuration("JOB_TIMEOUT", 0),

		StatusPort:     getEnv("STATUS_PORT", "8081"),
		Port:           getEnv("PORT", "8080"),
		Ratelimit:      getEnvInt("RATELIMIT", 10),
		RatelimitBurst: getEnvInt("RATELIMIT_BURST", 20),
		ResultsDB:      getEnv("RESULTS_DB", "data/results.db"),

		BetterStackUploadURL:   getEnv("BETTERSTACKUPLOADURL", ""),
		BetterStackSourceToken: getEnv("BETTERSTACKSOURCETOKEN", ""),
	}
}

// Backend resolves the codec backend. USE_MOCK_NVJPEG2000=true forces the mock.
func (c Config) Backend() string {
	if c.UseMockCodec {
		return "mock"
	}
	return c.CodecBackend
}

func (c Config) Validate() error {
	if c.GPUCount <= 0 {
		return fmt.Errorf("GPU_COUNT must be positive, got %d", c.GPUCount)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive, got %v", c.MonitorInterval)
	}
	if c.BatchParallelism <= 0 {
		return fmt.Errorf("BATCH_PARALLELISM must be positive, got %d", c.BatchParallelism)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("JOB_TIMEOUT must not be negative, got %v", c.JobTimeout)
	}
	switch c.UsageSource {
	case "cpu", "nvidia-smi", "container":
	default:
		return fmt.Errorf("unknown USAGE_SOURCE %q", c.UsageSource)
	}
	switch c.Backend() {
	case "mock", "command", "container":
	default:
		return fmt.Errorf("unknown CODEC_BACKEND %q", c.CodecBackend)
	}
	if c.UsageSource == "container" && c.Backend() != "container" {
		return fmt.Errorf("USAGE_SOURCE=container requires CODEC_BACKEND=container")
	}
	switch c.DispatchMode {
	case "local", "slurm":
	default:
		return fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode)
	}
	if c.Ratelimit <= 0 || c.RatelimitBurst <= 0 {
		return fmt.Errorf("RATELIMIT and RATELIMIT_BURST must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("5s") or plain seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
