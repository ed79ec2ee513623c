package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"transcodeengine/internal"
	"transcodeengine/model"
	"transcodeengine/natshandler"
)

func newSubmitCommand(opts *globalOptions) *cobra.Command {
	var req model.JobRequest

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one job and wait for its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := internal.ValidateJobRequest(req, 0); err != nil {
				return err
			}
			req.TrackingID = uuid.NewString()

			var resp model.JobResponse
			if err := request(opts, natshandler.SubjectJobRequest, req, &resp); err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), resp)
			if !resp.Success {
				return fmt.Errorf("job %s did not succeed", resp.TrackingID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.SourcePath, "src", "", "Source image path on the worker")
	cmd.Flags().StringVar(&req.DestinationPath, "dst", "", "Destination image path on the worker")
	cmd.Flags().StringVar(&req.Operation, "op", "decode", "Operation: decode or encode")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "Scheduler priority")
	cmd.MarkFlagRequired("src")
	cmd.MarkFlagRequired("dst")
	return cmd
}

func newBatchCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <file.json>",
		Short: "Submit a batch of jobs from a JSON file",
		Long:  `The file holds either a JSON array of jobs or an object with a "jobs" array.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			if _, _, err := internal.ValidateBatchRequest(req, 0, 0); err != nil {
				return err
			}
			req.TrackingID = uuid.NewString()

			var resp model.BatchResponse
			if err := request(opts, natshandler.SubjectBatchRequest, req, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for i, r := range resp.Results {
				fmt.Fprintf(out, "[%d] ", i)
				printJob(out, r)
				if !r.Success {
					failed++
				}
			}
			fmt.Fprintf(out, "%d/%d jobs succeeded\n", len(resp.Results)-failed, len(resp.Results))
			if failed > 0 {
				return fmt.Errorf("%d jobs did not succeed", failed)
			}
			return nil
		},
	}
}

func readBatchFile(path string) (model.BatchJobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.BatchJobRequest{}, err
	}

	var req model.BatchJobRequest
	if err := json.Unmarshal(data, &req.Jobs); err == nil {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return model.BatchJobRequest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return req, nil
}

func printJob(w io.Writer, r model.JobResponse) {
	statusColor(r).Fprintf(w, "%-22s", r.Status)
	fmt.Fprintf(w, " %s", r.Message)
	if r.Slot != nil {
		dimColor.Fprintf(w, " (gpu %d", *r.Slot)
		if r.ExecutionTime != "" {
			dimColor.Fprintf(w, ", %s", r.ExecutionTime)
		}
		dimColor.Fprint(w, ")")
	}
	fmt.Fprintln(w)
}
