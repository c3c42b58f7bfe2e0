package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/BearBump/ManifestSync/config"
	"github.com/BearBump/ManifestSync/internal/services/dispatcher"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err.Error())
	}

	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var d atomic.Pointer[dispatcher.Dispatcher]
	go func() {
		err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.ManifestSync.WorkerHTTPAddr,
			swaggerPath: os.Getenv("workerSwaggerPath"),
			dispatcher:  &d,
			cfg:         cfg,
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("worker http server stopped", "error", err.Error())
		}
	}()

	err = RunManifestWorker(ctx, cfg, defaultWorkerFactories(), func(disp *dispatcher.Dispatcher) {
		d.Store(disp)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
