package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskstream-labs/taskstream-go/internal/eventtypes"
	"github.com/taskstream-labs/taskstream-go/internal/platform/env"
	"github.com/taskstream-labs/taskstream-go/internal/platform/httpserver"
	"github.com/taskstream-labs/taskstream-go/internal/platform/postgres"
	"github.com/taskstream-labs/taskstream-go/internal/platform/runmodes"
	pgrepo "github.com/taskstream-labs/taskstream-go/internal/repo/postgres"
	"github.com/taskstream-labs/taskstream-go/internal/service/sessions"
	"github.com/taskstream-labs/taskstream-go/internal/service/taskruns"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("TASKRUNS_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("TASKRUNS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	modes, err := runmodes.Load(env.String("TASKRUNS_RUNMODES_PATH", ""))
	if err != nil {
		logger.Error("invalid run-mode spec", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	registry := eventtypes.Builtin()
	runStore := pgrepo.NewTaskRunStore(db)
	runEvents := pgrepo.NewRunEventLog(db)
	sessionEvents := pgrepo.NewSessionEventLog(db)

	runService := taskruns.New(runStore, runEvents, sessionEvents, registry, modes)
	sessionService := sessions.New(sessionEvents, registry)
	if runService == nil || sessionService == nil {
		logger.Error("service wiring failed")
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("taskruns"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"taskruns",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)

	api := newTaskRunsAPI(logger, runService, sessionService)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "taskruns",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
