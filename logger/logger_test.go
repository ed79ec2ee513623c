package logger

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WithoutBetterStack(t *testing.T) {
	logger, streamer, err := New(Options{Environment: "development"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.Nil(t, streamer)
}

func TestNew_StreamsToBetterStack(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var entry map[string]any
		_ = json.Unmarshal(data, &entry)
		mu.Lock()
		bodies = append(bodies, entry)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	logger, streamer, err := New(Options{
		Environment:            "production",
		BetterStackUploadURL:   srv.URL,
		BetterStackSourceToken: "token-123",
	})
	require.NoError(t, err)
	require.NotNil(t, streamer)

	logger.Info("Job completed", zap.String("job_id", "abc"), zap.Int("slot", 2))
	logger.Debug("not shipped")
	require.NoError(t, streamer.Sync())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "Bearer token-123", auth)
	assert.Equal(t, "Job completed", bodies[0]["msg"])
	assert.Equal(t, "abc", bodies[0]["job_id"])
	assert.EqualValues(t, 2, bodies[0]["slot"])
	assert.Contains(t, bodies[0], "dt")
}

func TestBetterStackLogStreamer_IgnoresBlankWrites(t *testing.T) {
	s := NewBetterStackLogStreamer("t", "http://127.0.0.1:0")
	n, err := s.Write([]byte("\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.Sync())
}
