package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"transcodeengine/codec"
	"transcodeengine/config"
)

func newContainersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "containers",
		Short: "Inspect or remove the per-GPU codec containers",
	}
	cmd.AddCommand(newContainersListCommand(), newContainersPruneCommand())
	return cmd
}

func newContainerManager() (*codec.ContainerManager, error) {
	cfg := config.FromEnv()
	return codec.NewContainerManager(cfg.GPUCount, codec.ContainerOptions{
		Image:   cfg.CodecImage,
		Command: cfg.CodecCommand,
		LogPath: cfg.ContainerLogPath,
	})
}

func newContainersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List managed codec containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := newContainerManager()
			if err != nil {
				return err
			}
			containers, err := cm.List(commandContext(cmd))
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLOT\tCONTAINER\tSTATE")
			for _, c := range containers {
				state := okColor.Sprint(c.State)
				if c.State == codec.ContainerError {
					state = errColor.Sprint(c.State)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", c.Slot, truncateID(c.ID), state)
			}
			return tw.Flush()
		},
	}
}

func newContainersPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove every managed codec container",
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := newContainerManager()
			if err != nil {
				return err
			}
			n, err := cm.Prune(commandContext(cmd))
			if err != nil {
				return err
			}
			okColor.Fprintf(cmd.OutOrStdout(), "Removed %d containers\n", n)
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
