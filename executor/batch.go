package executor

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// JobRunner executes a single job.
type JobRunner interface {
	Execute(ctx context.Context, job Job) Result
}

// BatchDispatcher runs an ordered list of jobs, each acquiring its own slot.
// A failed job never stops the rest of the batch.
type BatchDispatcher struct {
	runner      JobRunner
	parallelism int
	logger      *zap.Logger
}

// NewBatchDispatcher runs jobs sequentially in input order when parallelism
// is 1 or less, otherwise up to parallelism jobs at a time.
func NewBatchDispatcher(runner JobRunner, parallelism int, logger *zap.Logger) *BatchDispatcher {
	if parallelism < 1 {
		parallelism = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchDispatcher{
		runner:      runner,
		parallelism: parallelism,
		logger:      logger.With(zap.String("component", "batch-dispatcher")),
	}
}

// Run returns one result per job, positionally aligned with jobs.
func (d *BatchDispatcher) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))

	if d.parallelism == 1 {
		for i, job := range jobs {
			results[i] = d.runner.Execute(ctx, job)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(d.parallelism)
		for i, job := range jobs {
			i, job := i, job
			g.Go(func() error {
				results[i] = d.runner.Execute(ctx, job)
				return nil
			})
		}
		g.Wait()
	}

	s := Summarize(results)
	d.logger.Info("Batch completed",
		zap.Int("jobs", len(jobs)),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("no_resource", s.NoResource))
	return results
}

// Summary counts batch results by status.
type Summary struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	NoResource int `json:"no_resource"`
}

func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			s.Succeeded++
		case StatusNoResourceAvailable:
			s.NoResource++
		default:
			s.Failed++
		}
	}
	return s
}
