// Package slurm hands jobs off to an external Slurm scheduler through sbatch.
package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"transcodeengine/codec"
	"transcodeengine/gpu"
	"transcodeengine/storage"
)

const (
	DefaultScriptDir = "slurm_scripts"
	DefaultCommand   = "sbatch"
	DefaultJobName   = "image_processing"
	DefaultRunner    = "transcodectl"
)

// State is a step of one submission.
type State string

const (
	StateBuilt      State = "built"
	StateSubmitted  State = "submitted"
	StateIdentified State = "identified"
	StateFailed     State = "failed"
)

// Job is what the generated script transcodes.
type Job struct {
	SourcePath      string
	DestinationPath string
	Operation       codec.Operation
}

// Handle identifies an accepted submission.
type Handle struct {
	JobID      int    `json:"job_id"`
	ScriptPath string `json:"script_path"`
}

// SubmissionError reports a failed submission together with the raw scheduler
// output. State is the last state reached before the failure.
type SubmissionError struct {
	State  State
	Script string
	Output string
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("slurm submission failed after %s", e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += fmt.Sprintf(" (output: %q)", e.Output)
	}
	return msg
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// CommandRunner runs the scheduler command and returns its standard output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, err
	}
	return out, nil
}

type Config struct {
	// ScriptDir holds one script per slot, job_<slot>.sh.
	ScriptDir string
	// Command is the sbatch-compatible submission binary.
	Command string
	JobName string
	// Runner is the binary the script invokes to transcode on the node.
	Runner string
	// Setup lines run before the transcode, e.g. "module load cuda".
	Setup []string
}

var scriptTemplate = template.Must(template.New("job").Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/bash
#SBATCH --gres=gpu:1
#SBATCH --job-name={{.JobName}}-slot{{.Slot}}
#SBATCH --output=slurm-%j.out

# worker slot {{.Slot}}; the node's device comes from the gres allocation
{{range .Setup}}{{.}}
{{end}}
{{quote .Runner}} run --op {{.Operation}} --in {{quote .Source}} --out {{quote .Destination}} --inherit-device
`))

type scriptData struct {
	JobName     string
	Slot        int
	Setup       []string
	Runner      string
	Operation   string
	Source      string
	Destination string
}

// Submitter builds a job script for a slot and submits it with a priority.
// Scripts are overwritten per slot, so the caller must hold the slot for the
// duration of Submit.
type Submitter struct {
	cfg    Config
	runner CommandRunner
	files  storage.Files
	logger *zap.Logger
}

func NewSubmitter(cfg Config, runner CommandRunner, logger *zap.Logger) *Submitter {
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = DefaultScriptDir
	}
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.JobName == "" {
		cfg.JobName = DefaultJobName
	}
	if cfg.Runner == "" {
		cfg.Runner = DefaultRunner
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		cfg:    cfg,
		runner: runner,
		files:  &storage.Local{DirPerm: 0o755, FilePerm: 0o755},
		logger: logger.With(zap.String("component", "slurm-submitter")),
	}
}

// ScriptPath is the deterministic script location for slot.
func (s *Submitter) ScriptPath(slot gpu.Slot) string {
	return filepath.Join(s.cfg.ScriptDir, fmt.Sprintf("job_%d.sh", slot))
}

// Render produces the job script for job on slot.
func (s *Submitter) Render(job Job, slot gpu.Slot) ([]byte, error) {
	if !job.Operation.Valid() {
		return nil, fmt.Errorf("unsupported operation: %d", int(job.Operation))
	}
	var buf bytes.Buffer
	err := scriptTemplate.Execute(&buf, scriptData{
		JobName:     s.cfg.JobName,
		Slot:        int(slot),
		Setup:       s.cfg.Setup,
		Runner:      s.cfg.Runner,
		Operation:   job.Operation.String(),
		Source:      job.SourcePath,
		Destination: job.DestinationPath,
	})
	if err != nil {
		return nil, fmt.Errorf("render script: %w", err)
	}
	return buf.Bytes(), nil
}

// Submit writes the slot's script, runs "<command> --priority <p> <script>"
// and parses the job id from the last token of the output. Failures are
// returned as *SubmissionError and never retried.
func (s *Submitter) Submit(ctx context.Context, job Job, slot gpu.Slot, priority int) (Handle, error) {
	path := s.ScriptPath(slot)
	log := s.logger.With(
		zap.Int("slot", int(slot)),
		zap.String("script", path),
		zap.Int("priority", priority))

	if priority < 0 {
		return Handle{}, s.fail(log, &SubmissionError{State: StateBuilt, Script: path, Err: fmt.Errorf("negative priority %d", priority)})
	}

	script, err := s.Render(job, slot)
	if err != nil {
		return Handle{}, s.fail(log, &SubmissionError{State: StateBuilt, Script: path, Err: err})
	}
	if err := s.files.Write(path, script); err != nil {
		return Handle{}, s.fail(log, &SubmissionError{State: StateBuilt, Script: path, Err: err})
	}
	log.Debug("Slurm script built", zap.String("state", string(StateBuilt)))

	out, err := s.runner.Run(ctx, s.cfg.Command, "--priority", strconv.Itoa(priority), path)
	output := strings.TrimSpace(string(out))
	if err != nil {
		return Handle{}, s.fail(log, &SubmissionError{State: StateSubmitted, Script: path, Output: output, Err: err})
	}
	log.Debug("Slurm script submitted", zap.String("state", string(StateSubmitted)))

	id, err := ParseJobID(output)
	if err != nil {
		return Handle{}, s.fail(log, &SubmissionError{State: StateSubmitted, Script: path, Output: output, Err: err})
	}

	log.Info("Slurm job identified",
		zap.String("state", string(StateIdentified)),
		zap.Int("job_id", id))
	return Handle{JobID: id, ScriptPath: path}, nil
}

func (s *Submitter) fail(log *zap.Logger, err *SubmissionError) error {
	log.Error("Slurm submission failed",
		zap.String("state", string(StateFailed)),
		zap.String("reached", string(err.State)),
		zap.String("output", err.Output),
		zap.Error(err.Err))
	return err
}

// ParseJobID reads the job id as the last whitespace-delimited token, as in
// "Submitted batch job 12345". The token must be a positive decimal number.
func ParseJobID(output string) (int, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return 0, errors.New("empty scheduler output")
	}
	last := fields[len(fields)-1]
	if strings.TrimLeft(last, "0123456789") != "" {
		return 0, fmt.Errorf("malformed job id %q", last)
	}
	id, err := strconv.Atoi(last)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("malformed job id %q", last)
	}
	return id, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
