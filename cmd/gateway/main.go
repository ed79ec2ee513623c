package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"transcodeengine/config"
	"transcodeengine/logger"
	"transcodeengine/pkg"
	"transcodeengine/routes"
	"transcodeengine/store"
)

func main() {
	cfg := config.LoadConfig()

	zlog, streamer, err := logger.New(logger.Options{
		Environment:            cfg.Environment,
		BetterStackUploadURL:   cfg.BetterStackUploadURL,
		BetterStackSourceToken: cfg.BetterStackSourceToken,
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()
	if streamer != nil {
		defer streamer.Sync()
	}

	nc, err := nats.Connect(cfg.NatsURL, nats.Name("transcode-gateway"))
	if err != nil {
		zlog.Fatal("Failed to connect to NATS",
			zap.String("url", cfg.NatsURL),
			zap.Error(err))
	}
	defer nc.Close()

	var results routes.Results
	if db, err := store.Open(cfg.ResultsDB); err != nil {
		zlog.Warn("Result store unavailable, /jobs lookups disabled", zap.String("path", cfg.ResultsDB), zap.Error(err))
	} else {
		defer db.Close()
		results = db
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	limiter := pkg.NewRateLimiter(cfg.Ratelimit, cfg.RatelimitBurst, zlog)
	gateway := routes.NewGateway(nc, results, zlog)
	subs, err := gateway.SubscribeResults(nc)
	if err != nil {
		zlog.Fatal("Failed to subscribe to results", zap.Error(err))
	}
	router := routes.SetupRouter(gateway, limiter.Limit())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Gateway server failed", zap.Error(err))
		}
	}()
	zlog.Info("Gateway started", zap.String("addr", srv.Addr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Gateway shutdown failed", zap.Error(err))
	}
}
