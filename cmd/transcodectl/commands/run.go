package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"transcodeengine/codec"
	"transcodeengine/config"
	"transcodeengine/gpu"
	"transcodeengine/logger"
	"transcodeengine/storage"
)

type runOptions struct {
	op      string
	in      string
	out     string
	slot    int
	backend string
	inherit bool
	verbose bool
}

// newRunCommand transcodes one file on this node. Slurm job scripts invoke it.
func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Transcode one file on this node",
		Long: `Run reads --in, applies the codec on GPU --slot and writes --out.
Slurm job scripts call it with --inherit-device so the device Slurm allocated
through CUDA_VISIBLE_DEVICES is used as is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := codec.ParseOperation(opts.op)
			if err != nil {
				return err
			}
			if opts.slot < 0 {
				return fmt.Errorf("slot must be zero or greater, got %d", opts.slot)
			}

			log := zap.NewNop()
			if opts.verbose {
				if log, _, err = logger.New(logger.Options{Environment: "development"}); err != nil {
					return err
				}
				defer log.Sync()
			}

			cfg := config.FromEnv()
			backend := opts.backend
			if backend == "" {
				backend = cfg.Backend()
			}
			c, err := runCodec(backend, cfg, opts.inherit, log)
			if err != nil {
				return err
			}

			start := time.Now()
			files := storage.NewLocal()
			data, err := files.Read(opts.in)
			if err != nil {
				return err
			}
			result, err := codec.Apply(commandContext(cmd), c, op, data, gpu.Slot(opts.slot))
			if err != nil {
				return err
			}
			if err := files.Write(opts.out, result); err != nil {
				return err
			}

			device := fmt.Sprintf("gpu %d", opts.slot)
			if opts.inherit {
				device = "allocated gpu"
			}
			okColor.Fprintf(cmd.OutOrStdout(), "Job %s completed successfully", opts.in)
			dimColor.Fprintf(cmd.OutOrStdout(), " (%s on %s, %.2fs)\n", op, device, time.Since(start).Seconds())
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.op, "op", "decode", "Operation: decode or encode")
	cmd.Flags().StringVar(&opts.in, "in", "", "Input file")
	cmd.Flags().StringVar(&opts.out, "out", "", "Output file")
	cmd.Flags().IntVar(&opts.slot, "slot", 0, "GPU slot to run on")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Codec backend: mock or command (default from environment)")
	cmd.Flags().BoolVar(&opts.inherit, "inherit-device", false, "Keep CUDA_VISIBLE_DEVICES from the environment instead of pinning --slot")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log codec activity to stderr")
	cmd.MarkFlagRequired("in")
	cmd.MarkFlagRequired("out")
	cmd.MarkFlagsMutuallyExclusive("slot", "inherit-device")
	return cmd
}

// runCodec picks the codec for a one-shot run. The container backend runs the
// codec binary directly since the node already owns its GPU allocation.
func runCodec(backend string, cfg config.Config, inherit bool, log *zap.Logger) (codec.Codec, error) {
	switch backend {
	case "mock":
		return codec.NewMock(), nil
	case "command", "container":
		c := codec.NewCommand(cfg.CodecCommand, log)
		c.InheritDevice = inherit
		if cfg.JobTimeout > 0 {
			c.Timeout = cfg.JobTimeout
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown codec backend %q", backend)
}
