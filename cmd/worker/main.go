package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"transcodeengine/config"
	"transcodeengine/executor"
	"transcodeengine/gpu"
	"transcodeengine/logger"
	"transcodeengine/metrics"
	"transcodeengine/natshandler"
	"transcodeengine/routes"
	"transcodeengine/service"
	"transcodeengine/slurm"
	"transcodeengine/storage"
	"transcodeengine/store"
)

func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := gpu.NewPool(cfg.GPUCount)
	if err != nil {
		zlog.Fatal("Failed to create GPU pool", zap.Error(err))
	}

	transcoder, containers, err := service.NewCodec(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize codec", zap.String("backend", cfg.Backend()), zap.Error(err))
	}

	var wg sync.WaitGroup
	if containers != nil {
		defer containers.Shutdown(context.Background())
		wg.Add(1)
		go containers.MonitorContainers(ctx, &wg, 30*time.Second)
	}

	monitor := gpu.NewMonitor(pool, service.NewSampler(cfg, containers), cfg.MonitorInterval, zlog)
	if err := monitor.Start(ctx); err != nil {
		zlog.Fatal("Failed to start usage monitor", zap.Error(err))
	}
	defer monitor.Stop()

	m := metrics.New(pool)
	opts := []executor.Option{
		executor.WithRecorder(m),
		executor.WithTimeout(cfg.JobTimeout),
	}
	if cfg.DispatchMode == string(executor.ModeSlurm) {
		opts = append(opts, executor.WithSubmitter(slurm.NewSubmitter(slurm.Config{
			ScriptDir: cfg.ScriptDir,
			Command:   cfg.SchedulerCommand,
			Runner:    cfg.SlurmRunner,
			Setup:     cfg.SlurmSetup,
		}, slurm.ExecRunner{}, zlog)))
	}

	exec := executor.New(pool, transcoder, storage.NewLocal(), zlog, opts...)
	batch := executor.NewBatchDispatcher(exec, cfg.BatchParallelism, zlog)
	svc := service.NewTranscodeService(exec, batch, pool, zlog)
	svc.Backend = cfg.Backend()

	results, err := store.Open(cfg.ResultsDB)
	if err != nil {
		zlog.Warn("Result store unavailable, results will not be persisted", zap.String("path", cfg.ResultsDB), zap.Error(err))
	} else {
		defer results.Close()
		svc.Results = results
	}

	nc, err := nats.Connect(cfg.NatsURL, nats.Name("transcode-worker"))
	if err != nil {
		zlog.Fatal("Failed to connect to NATS",
			zap.String("url", cfg.NatsURL),
			zap.Error(err))
	}
	defer nc.Close()

	// Jobs run to completion after a shutdown signal so their slots are released.
	handler := natshandler.NewHandler(context.Background(), svc, nc, zlog)
	subs, err := handler.Subscribe(nc)
	if err != nil {
		zlog.Fatal("Failed to subscribe", zap.Error(err))
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	statusSrv := &http.Server{
		Addr:    ":" + cfg.StatusPort,
		Handler: routes.WorkerRouter(svc.Status, m.Handler()),
	}
	go func() {
		if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("Status server failed", zap.Error(err))
		}
	}()

	zlog.Info("Worker started",
		zap.Int("gpus", cfg.GPUCount),
		zap.String("backend", cfg.Backend()),
		zap.String("mode", cfg.DispatchMode),
		zap.String("status_addr", statusSrv.Addr))

	<-ctx.Done()
	zlog.Info("Shutting down worker")

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	handler.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	statusSrv.Shutdown(shutdownCtx)
	wg.Wait()
	zlog.Info("Worker shutdown complete")
}
