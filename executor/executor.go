// Package executor runs transcode jobs on exclusively held GPU slots.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"transcodeengine/codec"
	"transcodeengine/gpu"
	"transcodeengine/slurm"
	"transcodeengine/storage"
)

// Submitter hands a job off to an external scheduler.
type Submitter interface {
	Submit(ctx context.Context, job slurm.Job, slot gpu.Slot, priority int) (slurm.Handle, error)
}

// Recorder observes finished jobs, typically for metrics.
type Recorder interface {
	ObserveJob(operation, status string, duration time.Duration)
}

type Option func(*Executor)

// WithSubmitter switches the executor to external submission.
func WithSubmitter(s Submitter) Option {
	return func(e *Executor) {
		e.submitter = s
		e.mode = ModeSlurm
	}
}

// WithTimeout bounds each job. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		e.recorder = r
	}
}

// Executor acquires a slot, runs one job on it and always releases it.
type Executor struct {
	pool      *gpu.Pool
	codec     codec.Codec
	files     storage.Files
	submitter Submitter
	mode      Mode
	timeout   time.Duration
	recorder  Recorder
	logger    *zap.Logger
}

func New(pool *gpu.Pool, c codec.Codec, files storage.Files, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		pool:   pool,
		codec:  c,
		files:  files,
		mode:   ModeLocal,
		logger: logger.With(zap.String("component", "executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Mode() Mode {
	return e.mode
}

// Execute runs job and converts every fault, panics included, into a Failure
// result. A held slot is released on every path.
func (e *Executor) Execute(ctx context.Context, job Job) (res Result) {
	log := e.logger.With(
		zap.String("job_id", job.ID),
		zap.String("operation", job.Operation.String()),
		zap.String("source", job.SourcePath))

	if !job.Operation.Valid() {
		res = failure(fmt.Sprintf("unsupported operation: %s", job.Operation))
		e.observe(job, res)
		return res
	}

	slot, ok := e.pool.Acquire()
	if !ok {
		log.Info("No GPU available")
		res = noResource()
		e.observe(job, res)
		return res
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job panicked", zap.Int("slot", int(slot)), zap.Any("panic", r))
			res = failure(fmt.Sprintf("internal error: %v", r))
		}
		if err := e.pool.Release(slot); err != nil {
			log.Warn("Failed to release GPU", zap.Int("slot", int(slot)), zap.Error(err))
		}
		res.Slot = &slot
		res.Duration = time.Since(start)
		e.observe(job, res)
	}()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	log = log.With(zap.Int("slot", int(slot)))
	switch e.mode {
	case ModeSlurm:
		res = e.submit(ctx, log, job, slot, start)
	default:
		res = e.transcode(ctx, log, job, slot)
	}
	return res
}

func (e *Executor) transcode(ctx context.Context, log *zap.Logger, job Job, slot gpu.Slot) Result {
	data, err := e.files.Read(job.SourcePath)
	if err != nil {
		log.Error("Failed to read source image", zap.Error(err))
		return failure(err.Error())
	}

	out, err := codec.Apply(ctx, e.codec, job.Operation, data, slot)
	if err != nil {
		log.Error("Transcode failed", zap.Error(err))
		return failure(err.Error())
	}

	if err := e.files.Write(job.DestinationPath, out); err != nil {
		log.Error("Failed to write output image", zap.Error(err))
		return failure(err.Error())
	}

	log.Info("Job completed", zap.String("destination", job.DestinationPath))
	return Result{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("Job %s completed successfully", job.SourcePath),
	}
}

func (e *Executor) submit(ctx context.Context, log *zap.Logger, job Job, slot gpu.Slot, start time.Time) Result {
	if e.submitter == nil {
		return failure("no external scheduler configured")
	}

	handle, err := e.submitter.Submit(ctx, slurm.Job{
		SourcePath:      job.SourcePath,
		DestinationPath: job.DestinationPath,
		Operation:       job.Operation,
	}, slot, job.Priority)
	if err != nil {
		return failure(err.Error())
	}

	took := time.Since(start)
	log.Info("Job handed off to Slurm", zap.Int("slurm_job_id", handle.JobID), zap.Duration("took", took))
	return Result{
		Status:        StatusSuccess,
		ExternalJobID: handle.JobID,
		Message: fmt.Sprintf("Job submitted to Slurm with ID %d. %s took %.2f seconds",
			handle.JobID, capitalize(job.Operation.String()), took.Seconds()),
	}
}

func (e *Executor) observe(job Job, res Result) {
	if e.recorder != nil {
		e.recorder.ObserveJob(job.Operation.String(), string(res.Status), res.Duration)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
