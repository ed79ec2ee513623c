// Package logger builds the zap logger shared by the binaries and optionally
// streams every entry to Better Stack.
package logger

import (
	"bytes"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Environment            string
	BetterStackUploadURL   string
	BetterStackSourceToken string
}

// New returns a development console logger when Environment is
// "development" and a production JSON logger otherwise. With a Better Stack
// token set, entries are also posted to the upload URL.
func New(opts Options) (*zap.Logger, *BetterStackLogStreamer, error) {
	var cfg zap.Config
	if opts.Environment == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	if opts.BetterStackSourceToken == "" || opts.BetterStackUploadURL == "" {
		return base, nil, nil
	}

	streamer := NewBetterStackLogStreamer(opts.BetterStackSourceToken, opts.BetterStackUploadURL)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "dt"
	encoderCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	remote := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), streamer, cfg.Level)

	logger := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, remote)
	}))
	return logger, streamer, nil
}

// BetterStackLogStreamer is a zapcore.WriteSyncer that posts each encoded
// entry to Better Stack asynchronously. Delivery failures are reported on
// stderr, never through the logger itself.
type BetterStackLogStreamer struct {
	sourceToken string
	uploadURL   string
	client      *http.Client
	wg          sync.WaitGroup
}

func NewBetterStackLogStreamer(sourceToken, uploadURL string) *BetterStackLogStreamer {
	return &BetterStackLogStreamer{
		sourceToken: sourceToken,
		uploadURL:   uploadURL,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *BetterStackLogStreamer) Write(p []byte) (int, error) {
	body := bytes.TrimSpace(p)
	if len(body) == 0 {
		return len(p), nil
	}
	// zap reuses the buffer after Write returns.
	payload := make([]byte, len(body))
	copy(payload, body)

	req, err := http.NewRequest(http.MethodPost, s.uploadURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.sourceToken)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp, err := s.client.Do(req)
		if err != nil {
			os.Stderr.WriteString("failed to send log to Better Stack: " + err.Error() + "\n")
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
			os.Stderr.WriteString("unexpected response from Better Stack: " + resp.Status + "\n")
		}
	}()
	return len(p), nil
}

// Sync waits for in-flight uploads.
func (s *BetterStackLogStreamer) Sync() error {
	s.wg.Wait()
	return nil
}
