package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"transcodeengine/model"
	"transcodeengine/natshandler"
	"transcodeengine/store"
)

type fakeBroker struct {
	mu         sync.Mutex
	published  map[string][][]byte
	publishErr error
	statusData []byte
	requestErr error
}

func (b *fakeBroker) Publish(subj string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[subj] = append(b.published[subj], data)
	return nil
}

func (b *fakeBroker) Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	if b.requestErr != nil {
		return nil, b.requestErr
	}
	return &nats.Msg{Subject: subj, Data: b.statusData}, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestGateway(t *testing.T) (*gin.Engine, *fakeBroker, *store.SQLite) {
	t.Helper()
	results, err := store.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	broker := &fakeBroker{}
	return SetupRouter(NewGateway(broker, results, zap.NewNop()), nil), broker, results
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJob(t *testing.T) {
	r, broker, results := newTestGateway(t)

	rec := doJSON(r, http.MethodPost, "/submit_job/", model.JobRequest{
		SourcePath:      "images/sample1.jp2",
		DestinationPath: "output/sample1_output.jp2",
		Operation:       "decode",
		Priority:        1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Job submitted successfully", resp.Status)
	_, err := uuid.Parse(resp.TrackingID)
	require.NoError(t, err)

	require.Len(t, broker.published[natshandler.SubjectJobRequest], 1)
	var queued model.JobRequest
	require.NoError(t, json.Unmarshal(broker.published[natshandler.SubjectJobRequest][0], &queued))
	assert.Equal(t, resp.TrackingID, queued.TrackingID)
	assert.Equal(t, 1, queued.Priority)

	stored, err := results.Get(context.Background(), resp.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, stored.Status)
}

func TestSubmitJob_Rejected(t *testing.T) {
	r, broker, _ := newTestGateway(t)

	rec := doJSON(r, http.MethodPost, "/submit_job/", map[string]any{"source_path": "a.jp2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(r, http.MethodPost, "/submit_job/", model.JobRequest{
		SourcePath:      "../secret.jp2",
		DestinationPath: "out.jp2",
		Operation:       "decode",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Path traversal")
	assert.Empty(t, broker.published)
}

func TestSubmitJob_BrokerDown(t *testing.T) {
	r, broker, _ := newTestGateway(t)
	broker.publishErr = nats.ErrConnectionClosed

	rec := doJSON(r, http.MethodPost, "/submit_job/", model.JobRequest{
		SourcePath:      "a.jp2",
		DestinationPath: "b.jp2",
		Operation:       "encode",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitBatch(t *testing.T) {
	r, broker, results := newTestGateway(t)

	rec := doJSON(r, http.MethodPost, "/submit_batch/", model.BatchJobRequest{Jobs: []model.JobRequest{
		{SourcePath: "images/sample1.jp2", DestinationPath: "output/1.jp2", Operation: "decode"},
		{SourcePath: "images/sample2.jp2", DestinationPath: "output/2.jp2", Operation: "encode"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Batch job submitted successfully", resp.Status)
	require.Len(t, resp.JobTrackingIDs, 2)

	require.Len(t, broker.published[natshandler.SubjectBatchRequest], 1)
	var queued model.BatchJobRequest
	require.NoError(t, json.Unmarshal(broker.published[natshandler.SubjectBatchRequest][0], &queued))
	require.Len(t, queued.Jobs, 2)
	assert.Equal(t, resp.TrackingID, queued.TrackingID)
	for i, job := range queued.Jobs {
		assert.Equal(t, resp.JobTrackingIDs[i], job.TrackingID)
		stored, err := results.Get(context.Background(), job.TrackingID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusQueued, stored.Status)
	}
}

func TestSubmitBatch_InvalidJobForwarded(t *testing.T) {
	r, broker, _ := newTestGateway(t)

	rec := doJSON(r, http.MethodPost, "/submit_batch/", model.BatchJobRequest{Jobs: []model.JobRequest{
		{SourcePath: "images/sample1.jp2", DestinationPath: "output/1.jp2", Operation: "decode"},
		{SourcePath: "images/sample2.jp2", DestinationPath: "output/2.jp2", Operation: "resize"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, broker.published[natshandler.SubjectBatchRequest], 1)

	rec = doJSON(r, http.MethodPost, "/submit_batch/", model.BatchJobRequest{Jobs: []model.JobRequest{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Empty batch")
}

type fakeSubscriber struct {
	handlers map[string]nats.MsgHandler
}

func (f *fakeSubscriber) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.handlers == nil {
		f.handlers = make(map[string]nats.MsgHandler)
	}
	f.handlers[subj] = cb
	return nil, nil
}

func TestSubscribeResults_CompletesQueuedJobs(t *testing.T) {
	results, err := store.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	gw := NewGateway(&fakeBroker{}, results, zap.NewNop())
	r := SetupRouter(gw, nil)
	sub := &fakeSubscriber{}
	_, err = gw.SubscribeResults(sub)
	require.NoError(t, err)
	require.Contains(t, sub.handlers, natshandler.SubjectJobResult)
	require.Contains(t, sub.handlers, natshandler.SubjectBatchResult)

	rec := doJSON(r, http.MethodPost, "/submit_job/", model.JobRequest{
		SourcePath: "images/a.jp2", DestinationPath: "out/a.raw", Operation: "decode",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var single model.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &single))

	rec = doJSON(r, http.MethodPost, "/submit_batch/", model.BatchJobRequest{Jobs: []model.JobRequest{
		{SourcePath: "images/b.jp2", DestinationPath: "out/b.raw", Operation: "decode"},
		{SourcePath: "images/c.raw", DestinationPath: "out/c.jp2", Operation: "encode"},
	}})
	require.Equal(t, http.StatusOK, rec.Code)
	var batch model.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))

	jobData, _ := json.Marshal(model.JobResponse{
		TrackingID: single.TrackingID, Status: "success", Success: true,
		Message: "Job images/a.jp2 completed successfully",
	})
	sub.handlers[natshandler.SubjectJobResult](&nats.Msg{Subject: natshandler.SubjectJobResult, Data: jobData})

	batchData, _ := json.Marshal(model.BatchResponse{TrackingID: batch.TrackingID, Results: []model.JobResponse{
		{TrackingID: batch.JobTrackingIDs[0], Status: "success", Success: true, Message: "Job images/b.jp2 completed successfully"},
		{TrackingID: batch.JobTrackingIDs[1], Status: "failure", Message: "malformed stream"},
	}})
	sub.handlers[natshandler.SubjectBatchResult](&nats.Msg{Subject: natshandler.SubjectBatchResult, Data: batchData})

	var body struct {
		Status string            `json:"status"`
		Result model.JobResponse `json:"result"`
	}
	rec = doJSON(r, http.MethodGet, "/jobs/"+single.TrackingID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, store.StatusCompleted, body.Status)
	assert.True(t, body.Result.Success)

	rec = doJSON(r, http.MethodGet, "/jobs/"+batch.JobTrackingIDs[1], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, store.StatusCompleted, body.Status)
	assert.Equal(t, "malformed stream", body.Result.Message)

	stored, err := results.Get(context.Background(), batch.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
	assert.Equal(t, "batch", stored.Kind)
}

func TestSubscribeResults_IgnoresMalformed(t *testing.T) {
	results, err := store.Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	gw := NewGateway(&fakeBroker{}, results, zap.NewNop())
	gw.HandleJobResult(&nats.Msg{Data: []byte("{not json")})
	gw.HandleBatchResult(&nats.Msg{Data: []byte("{not json")})

	recs, err := results.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestListJobs(t *testing.T) {
	r, _, results := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, results.Save(ctx, store.Record{TrackingID: "t-1", Kind: "job", Status: store.StatusQueued}))
	require.NoError(t, results.Save(ctx, store.Record{
		TrackingID: "t-2", Kind: "job", Status: store.StatusCompleted,
		Result: `{"status":"success","message":"done","success":true}`,
	}))

	rec := doJSON(r, http.MethodGet, "/jobs?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Jobs []struct {
			TrackingID string `json:"tracking_id"`
			Status     string `json:"status"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 2)
	ids := []string{body.Jobs[0].TrackingID, body.Jobs[1].TrackingID}
	assert.ElementsMatch(t, []string{"t-1", "t-2"}, ids)

	rec = doJSON(r, http.MethodGet, "/jobs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Jobs, 1)

	rec = doJSON(r, http.MethodGet, "/jobs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	r, _, results := newTestGateway(t)
	ctx := context.Background()

	rec := doJSON(r, http.MethodGet, "/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, results.Save(ctx, store.Record{
		TrackingID: "t-1",
		Kind:       "job",
		Status:     store.StatusCompleted,
		Result:     `{"status":"success","message":"Job a.jp2 completed successfully","success":true}`,
	}))
	rec = doJSON(r, http.MethodGet, "/jobs/t-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Result model.JobResponse `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, store.StatusCompleted, body.Status)
	assert.True(t, body.Result.Success)
}

func TestStatus(t *testing.T) {
	r, broker, _ := newTestGateway(t)
	broker.statusData = []byte(`{"capacity":4,"available":4,"in_use":0,"slots":[],"mode":"local","backend":"mock"}`)

	rec := doJSON(r, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, string(broker.statusData), rec.Body.String())

	broker.requestErr = errors.New("nats: no responders available for request")
	rec = doJSON(r, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTestEndpoint(t *testing.T) {
	r, _, _ := newTestGateway(t)
	rec := doJSON(r, http.MethodGet, "/test/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Application is running correctly"}`, rec.Body.String())
}

func TestWorkerRouter(t *testing.T) {
	r := WorkerRouter(func() model.StatusResponse {
		return model.StatusResponse{Mode: "slurm"}
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("transcode_gpu_slots_available 4\n"))
	}))

	rec := doJSON(r, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"slurm"`)

	rec = doJSON(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(r, http.MethodGet, "/metrics", nil)
	assert.Contains(t, rec.Body.String(), "transcode_gpu_slots_available 4")
}
