package natshandler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"transcodeengine/executor"
	"transcodeengine/model"
)

const (
	SubjectJobRequest   = "transcode.job.request"
	SubjectBatchRequest = "transcode.batch.request"
	SubjectStatus       = "transcode.status"
	SubjectJobResult    = "transcode.job.result"
	SubjectBatchResult  = "transcode.batch.result"

	QueueGroup = "transcode-workers"
)

// Transcoder is the worker-side service the handler drives.
type Transcoder interface {
	Transcode(ctx context.Context, req model.JobRequest) model.JobResponse
	TranscodeBatch(ctx context.Context, req model.BatchJobRequest) model.BatchResponse
	Status() model.StatusResponse
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

type Handler struct {
	svc    Transcoder
	pub    Publisher
	ctx    context.Context
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewHandler builds a handler whose jobs run under ctx.
func NewHandler(ctx context.Context, svc Transcoder, pub Publisher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:    svc,
		pub:    pub,
		ctx:    ctx,
		logger: logger.With(zap.String("component", "nats-handler")),
	}
}

// Subscribe joins the worker queue group on every request subject. Job and
// batch messages are handled on their own goroutines so a long transcode
// never blocks delivery.
func (h *Handler) Subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	handlers := []struct {
		subject string
		handle  func(*nats.Msg)
		async   bool
	}{
		{SubjectJobRequest, h.HandleJobRequest, true},
		{SubjectBatchRequest, h.HandleBatchRequest, true},
		{SubjectStatus, h.HandleStatusRequest, false},
	}

	var subs []*nats.Subscription
	for _, hd := range handlers {
		handle, async := hd.handle, hd.async
		sub, err := nc.QueueSubscribe(hd.subject, QueueGroup, func(msg *nats.Msg) {
			if !async {
				handle(msg)
				return
			}
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				handle(msg)
			}()
		})
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", hd.subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Wait blocks until in-flight job and batch handlers finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) HandleJobRequest(msg *nats.Msg) {
	var req model.JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.logger.Warn("Failed to parse job request", zap.Error(err))
		h.reply(msg, model.JobResponse{
			Status:  string(executor.StatusFailure),
			Message: "malformed job request: " + err.Error(),
		})
		return
	}

	res := h.svc.Transcode(h.ctx, req)
	h.reply(msg, res)
	h.publish(SubjectJobResult, res)
}

func (h *Handler) HandleBatchRequest(msg *nats.Msg) {
	var req model.BatchJobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.logger.Warn("Failed to parse batch request", zap.Error(err))
		h.reply(msg, model.BatchResponse{Results: []model.JobResponse{{
			Status:  string(executor.StatusFailure),
			Message: "malformed batch request: " + err.Error(),
		}}})
		return
	}

	res := h.svc.TranscodeBatch(h.ctx, req)
	h.reply(msg, res)
	h.publish(SubjectBatchResult, res)
}

func (h *Handler) HandleStatusRequest(msg *nats.Msg) {
	h.reply(msg, h.svc.Status())
}

func (h *Handler) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	h.publish(msg.Reply, v)
}

func (h *Handler) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := h.pub.Publish(subject, data); err != nil {
		h.logger.Error("Failed to publish response", zap.String("subject", subject), zap.Error(err))
	}
}
