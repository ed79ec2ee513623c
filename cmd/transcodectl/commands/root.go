package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"transcodeengine/model"
)

const cliExecutable = "transcodectl"

// requester is the part of *nats.Conn the client commands use.
type requester interface {
	Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error)
	Close()
}

var dial = func(url string) (requester, error) {
	return nats.Connect(url, nats.Name(cliExecutable))
}

type globalOptions struct {
	natsURL string
	timeout time.Duration
}

// NewCommand builds the transcodectl command tree.
func NewCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Submit and inspect GPU transcode jobs",
		Long:  `transcodectl talks to transcode workers over NATS, runs one-shot transcodes on a node and manages codec containers.`,
	}
	cmd.SilenceUsage = true

	defaultURL := os.Getenv("NATSURL")
	if defaultURL == "" {
		defaultURL = nats.DefaultURL
	}
	cmd.PersistentFlags().StringVar(&opts.natsURL, "nats", defaultURL, "NATS server URL")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "How long to wait for a worker reply")

	cmd.AddCommand(
		newSubmitCommand(opts),
		newBatchCommand(opts),
		newStatusCommand(opts),
		newRunCommand(),
		newContainersCommand(),
	)
	return cmd
}

// request sends v to subject and decodes the reply into out.
func request(opts *globalOptions, subject string, v any, out any) error {
	var data []byte
	if v != nil {
		var err error
		if data, err = json.Marshal(v); err != nil {
			return err
		}
	}

	conn, err := dial(opts.natsURL)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.natsURL, err)
	}
	defer conn.Close()

	msg, err := conn.Request(subject, data, opts.timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
)

func statusColor(r model.JobResponse) *color.Color {
	switch {
	case r.Success:
		return okColor
	case r.Status == "no_resource_available":
		return warnColor
	default:
		return errColor
	}
}
