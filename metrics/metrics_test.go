package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcodeengine/gpu"
)

func TestMetrics_Pool(t *testing.T) {
	pool, err := gpu.NewPool(2)
	require.NoError(t, err)
	m := New(pool)

	_, ok := pool.Acquire()
	require.True(t, ok)
	pool.SetUsage(1, 37.5)

	expected := `
# HELP transcode_gpu_slots_available GPU slots not held by any job.
# TYPE transcode_gpu_slots_available gauge
transcode_gpu_slots_available 1
# HELP transcode_gpu_slot_usage Last sampled utilisation of a GPU slot in percent.
# TYPE transcode_gpu_slot_usage gauge
transcode_gpu_slot_usage{slot="0"} 0
transcode_gpu_slot_usage{slot="1"} 37.5
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"transcode_gpu_slots_available", "transcode_gpu_slot_usage"))
}

func TestMetrics_ObserveJob(t *testing.T) {
	pool, err := gpu.NewPool(1)
	require.NoError(t, err)
	m := New(pool)

	m.ObserveJob("decode", "success", 120*time.Millisecond)
	m.ObserveJob("decode", "success", 80*time.Millisecond)
	m.ObserveJob("encode", "no_resource_available", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobs.WithLabelValues("decode", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("encode", "no_resource_available")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestMetrics_Handler(t *testing.T) {
	pool, err := gpu.NewPool(1)
	require.NoError(t, err)
	m := New(pool)
	m.ObserveJob("decode", "failure", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `transcode_jobs_total{operation="decode",status="failure"} 1`)
	assert.Contains(t, string(body), "transcode_gpu_slots_capacity 1")
}
