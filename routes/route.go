package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"transcodeengine/internal"
	"transcodeengine/model"
	"transcodeengine/natshandler"
	"transcodeengine/store"
)

// Broker is satisfied by *nats.Conn.
type Broker interface {
	Publish(subj string, data []byte) error
	Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error)
}

type Results interface {
	Save(ctx context.Context, rec store.Record) error
	Get(ctx context.Context, trackingID string) (store.Record, error)
	List(ctx context.Context, limit int) ([]store.Record, error)
}

// Gateway accepts job descriptions over HTTP and queues them on NATS without
// waiting for completion.
type Gateway struct {
	broker        Broker
	results       Results
	StatusTimeout time.Duration
	MaxPathLength int
	MaxBatchSize  int
	logger        *zap.Logger
}

func NewGateway(broker Broker, results Results, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		broker:        broker,
		results:       results,
		StatusTimeout: 5 * time.Second,
		MaxPathLength: internal.DefaultMaxPathLength,
		MaxBatchSize:  internal.DefaultMaxBatchSize,
		logger:        logger.With(zap.String("component", "gateway")),
	}
}

// SetupRouter builds the gateway engine. Submissions go through limit when
// it is not nil.
func SetupRouter(g *Gateway, limit gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	submit := r.Group("/")
	if limit != nil {
		submit.Use(limit)
	}
	submit.POST("/submit_job/", g.SubmitJob)
	submit.POST("/submit_batch/", g.SubmitBatch)

	r.GET("/jobs", g.ListJobs)
	r.GET("/jobs/:id", g.GetJob)
	r.GET("/status", g.Status)
	r.GET("/test/", g.Test)
	return r
}

func (g *Gateway) SubmitJob(c *gin.Context) {
	var req model.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "status": "Invalid Request Format"})
		return
	}
	if _, err := internal.ValidateJobRequest(req, g.MaxPathLength); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "status": "Job failed validation"})
		return
	}

	req.TrackingID = uuid.NewString()
	if !g.enqueue(c, natshandler.SubjectJobRequest, "job", req.TrackingID, req) {
		return
	}
	c.JSON(http.StatusOK, model.SubmitResponse{Status: "Job submitted successfully", TrackingID: req.TrackingID})
}

func (g *Gateway) SubmitBatch(c *gin.Context) {
	var req model.BatchJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "status": "Invalid Request Format"})
		return
	}
	// Invalid jobs are failed one by one on the worker, not here.
	if _, _, err := internal.ValidateBatchRequest(req, g.MaxBatchSize, g.MaxPathLength); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "status": "Batch failed validation"})
		return
	}

	req.TrackingID = uuid.NewString()
	jobIDs := make([]string, len(req.Jobs))
	for i := range req.Jobs {
		jobIDs[i] = uuid.NewString()
		req.Jobs[i].TrackingID = jobIDs[i]
		g.recordQueued(c.Request.Context(), "job", jobIDs[i])
	}
	if !g.enqueue(c, natshandler.SubjectBatchRequest, "batch", req.TrackingID, req) {
		return
	}
	c.JSON(http.StatusOK, model.SubmitResponse{
		Status:         "Batch job submitted successfully",
		TrackingID:     req.TrackingID,
		JobTrackingIDs: jobIDs,
	})
}

// enqueue records the queued row and publishes the request. It writes the
// error response itself and reports whether the caller should continue.
func (g *Gateway) enqueue(c *gin.Context, subject, kind, trackingID string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}

	g.recordQueued(c.Request.Context(), kind, trackingID)

	if err := g.broker.Publish(subject, data); err != nil {
		g.logger.Error("Failed to publish request", zap.String("subject", subject), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue unavailable"})
		return false
	}

	g.logger.Info("Request queued", zap.String("tracking_id", trackingID), zap.String("kind", kind))
	return true
}

func (g *Gateway) recordQueued(ctx context.Context, kind, trackingID string) {
	if g.results == nil {
		return
	}
	rec := store.Record{TrackingID: trackingID, Kind: kind, Status: store.StatusQueued}
	if err := g.results.Save(ctx, rec); err != nil {
		g.logger.Warn("Failed to record queued job", zap.String("tracking_id", trackingID), zap.Error(err))
	}
}

func (g *Gateway) GetJob(c *gin.Context) {
	if g.results == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "result store not configured"})
		return
	}

	rec, err := g.results.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tracking id"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, recordBody(rec))
}

func (g *Gateway) Status(c *gin.Context) {
	msg, err := g.broker.Request(natshandler.SubjectStatus, nil, g.StatusTimeout)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no worker answered: " + err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", msg.Data)
}

func (g *Gateway) Test(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Application is running correctly"})
}

// WorkerRouter serves the worker's read-only status surface.
func WorkerRouter(status func() model.StatusResponse, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, status())
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}
