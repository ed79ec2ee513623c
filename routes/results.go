package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"transcodeengine/model"
	"transcodeengine/natshandler"
	"transcodeengine/store"
)

// Subscriber is satisfied by *nats.Conn.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// SubscribeResults marks jobs completed as workers publish their results.
func (g *Gateway) SubscribeResults(sub Subscriber) ([]*nats.Subscription, error) {
	if g.results == nil {
		return nil, nil
	}
	handlers := map[string]nats.MsgHandler{
		natshandler.SubjectJobResult:   g.HandleJobResult,
		natshandler.SubjectBatchResult: g.HandleBatchResult,
	}

	var subs []*nats.Subscription
	for subject, handle := range handlers {
		subscription, err := sub.Subscribe(subject, handle)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, subscription)
	}
	return subs, nil
}

func (g *Gateway) HandleJobResult(msg *nats.Msg) {
	var resp model.JobResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		g.logger.Warn("Failed to parse job result", zap.Error(err))
		return
	}
	g.recordCompleted(context.Background(), "job", resp.TrackingID, msg.Data)
}

// HandleBatchResult stores the batch and each of its jobs.
func (g *Gateway) HandleBatchResult(msg *nats.Msg) {
	var resp model.BatchResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		g.logger.Warn("Failed to parse batch result", zap.Error(err))
		return
	}

	ctx := context.Background()
	g.recordCompleted(ctx, "batch", resp.TrackingID, msg.Data)
	for _, r := range resp.Results {
		body, err := json.Marshal(r)
		if err != nil {
			continue
		}
		g.recordCompleted(ctx, "job", r.TrackingID, body)
	}
}

func (g *Gateway) recordCompleted(ctx context.Context, kind, trackingID string, body []byte) {
	if g.results == nil || trackingID == "" {
		return
	}
	rec := store.Record{TrackingID: trackingID, Kind: kind, Status: store.StatusCompleted, Result: string(body)}
	if err := g.results.Save(ctx, rec); err != nil {
		g.logger.Error("Failed to record result", zap.String("tracking_id", trackingID), zap.Error(err))
	}
}

// ListJobs returns the most recently updated records, newest first.
func (g *Gateway) ListJobs(c *gin.Context) {
	if g.results == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "result store not configured"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	recs, err := g.results.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	jobs := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, recordBody(rec))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func recordBody(rec store.Record) gin.H {
	body := gin.H{
		"tracking_id": rec.TrackingID,
		"kind":        rec.Kind,
		"status":      rec.Status,
		"updated_at":  rec.UpdatedAt,
	}
	if rec.Result != "" {
		body["result"] = json.RawMessage(rec.Result)
	}
	return body
}
