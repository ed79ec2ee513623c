package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"transcodeengine/gpu"
	"transcodeengine/model"
	"transcodeengine/natshandler"
)

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show GPU pool occupancy and usage of a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st model.StatusResponse
			if err := request(opts, natshandler.SubjectStatus, nil, &st); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mode: %s  backend: %s  available: %d/%d\n", st.Mode, st.Backend, st.Available, st.Capacity)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLOT\tSTATE\tUSAGE")
			for _, s := range st.Slots {
				state := okColor.Sprint(s.State)
				if s.State == gpu.StateBusy {
					state = warnColor.Sprint(s.State)
				}
				fmt.Fprintf(tw, "%d\t%s\t%.1f%%\n", s.Slot, state, s.Usage)
			}
			return tw.Flush()
		},
	}
}
