package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"transcodeengine/codec"
	"transcodeengine/executor"
	"transcodeengine/gpu"
	"transcodeengine/internal"
	"transcodeengine/model"
	"transcodeengine/store"
)

// ResultStore persists finished responses by tracking id.
type ResultStore interface {
	Save(ctx context.Context, rec store.Record) error
}

type TranscodeService struct {
	Executor *executor.Executor
	Batch    *executor.BatchDispatcher
	Pool     *gpu.Pool
	Results  ResultStore
	Backend  string

	MaxPathLength int
	MaxBatchSize  int

	logger *zap.Logger
}

func NewTranscodeService(exec *executor.Executor, batch *executor.BatchDispatcher, pool *gpu.Pool, logger *zap.Logger) *TranscodeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TranscodeService{
		Executor:      exec,
		Batch:         batch,
		Pool:          pool,
		MaxPathLength: internal.DefaultMaxPathLength,
		MaxBatchSize:  internal.DefaultMaxBatchSize,
		logger:        logger.With(zap.String("component", "service")),
	}
}

// Transcode validates and runs one job. Rejected requests produce a failure
// response without touching the pool.
func (s *TranscodeService) Transcode(ctx context.Context, req model.JobRequest) model.JobResponse {
	op, err := internal.ValidateJobRequest(req, s.MaxPathLength)
	if err != nil {
		return s.finish(ctx, "job", req.TrackingID, failureResponse(req.TrackingID, err))
	}

	res := s.Executor.Execute(ctx, toJob(req, op))
	return s.finish(ctx, "job", req.TrackingID, toResponse(req.TrackingID, res))
}

// TranscodeBatch runs every valid job of the batch and returns results in
// request order. An invalid job gets its own failure entry and never reaches
// the executor; only an empty or oversized batch is rejected as a whole.
func (s *TranscodeService) TranscodeBatch(ctx context.Context, req model.BatchJobRequest) model.BatchResponse {
	start := time.Now()
	resp := model.BatchResponse{
		TrackingID: req.TrackingID,
		Results:    make([]model.JobResponse, len(req.Jobs)),
	}

	ops, jobErrs, err := internal.ValidateBatchRequest(req, s.MaxBatchSize, s.MaxPathLength)
	if err != nil {
		for i, job := range req.Jobs {
			resp.Results[i] = failureResponse(job.TrackingID, err)
		}
		return s.finishBatch(ctx, resp)
	}

	jobs := make([]executor.Job, 0, len(req.Jobs))
	index := make([]int, 0, len(req.Jobs))
	for i, r := range req.Jobs {
		if jobErrs[i] != nil {
			resp.Results[i] = failureResponse(r.TrackingID, jobErrs[i])
			continue
		}
		jobs = append(jobs, toJob(r, ops[i]))
		index = append(index, i)
	}

	for k, res := range s.Batch.Run(ctx, jobs) {
		i := index[k]
		resp.Results[i] = toResponse(req.Jobs[i].TrackingID, res)
	}

	s.logger.Info("Batch processed",
		zap.String("tracking_id", req.TrackingID),
		zap.Int("jobs", len(req.Jobs)),
		zap.Int("rejected", len(req.Jobs)-len(jobs)),
		zap.Duration("took", time.Since(start)))
	return s.finishBatch(ctx, resp)
}

// Status reports pool occupancy and the last usage samples.
func (s *TranscodeService) Status() model.StatusResponse {
	return model.StatusResponse{
		PoolStatus: s.Pool.Snapshot(),
		Mode:       string(s.Executor.Mode()),
		Backend:    s.Backend,
	}
}

func (s *TranscodeService) finish(ctx context.Context, kind, trackingID string, resp model.JobResponse) model.JobResponse {
	s.save(ctx, kind, trackingID, resp)
	return resp
}

func (s *TranscodeService) finishBatch(ctx context.Context, resp model.BatchResponse) model.BatchResponse {
	s.save(ctx, "batch", resp.TrackingID, resp)
	return resp
}

func (s *TranscodeService) save(ctx context.Context, kind, trackingID string, resp any) {
	if s.Results == nil || trackingID == "" {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode result", zap.String("tracking_id", trackingID), zap.Error(err))
		return
	}
	rec := store.Record{
		TrackingID: trackingID,
		Kind:       kind,
		Status:     store.StatusCompleted,
		Result:     string(body),
	}
	if err := s.Results.Save(ctx, rec); err != nil {
		s.logger.Error("Failed to persist result", zap.String("tracking_id", trackingID), zap.Error(err))
	}
}

func toJob(req model.JobRequest, op codec.Operation) executor.Job {
	return executor.Job{
		ID:              req.TrackingID,
		SourcePath:      req.SourcePath,
		DestinationPath: req.DestinationPath,
		Operation:       op,
		Priority:        req.Priority,
	}
}

func failureResponse(trackingID string, err error) model.JobResponse {
	return model.JobResponse{
		TrackingID: trackingID,
		Status:     string(executor.StatusFailure),
		Message:    err.Error(),
	}
}

func toResponse(trackingID string, res executor.Result) model.JobResponse {
	resp := model.JobResponse{
		TrackingID:    trackingID,
		Status:        string(res.Status),
		Message:       res.Message,
		Success:       res.Succeeded(),
		ExternalJobID: res.ExternalJobID,
	}
	if res.Slot != nil {
		slot := int(*res.Slot)
		resp.Slot = &slot
	}
	if res.Duration > 0 {
		resp.ExecutionTime = res.Duration.String()
	}
	return resp
}
