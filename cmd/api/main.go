package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tg-digest-pipeline/internal/adapters/httpapi"
	"tg-digest-pipeline/internal/adapters/repo"
	"tg-digest-pipeline/internal/infra/config"
	"tg-digest-pipeline/internal/infra/db"
	infrahttp "tg-digest-pipeline/internal/infra/http"
	applog "tg-digest-pipeline/internal/infra/log"
	"tg-digest-pipeline/internal/infra/metrics"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("api: не указан DSN Postgres (PG_DSN)")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	srv := infrahttp.NewServer(logger.With().Str("component", "http").Logger())
	handler := httpapi.NewHandler(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter,
		logger.With().Str("component", "api").Logger())
	handler.Mount(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.APIAddr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен с ошибкой")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api: сервер завершился ошибкой")
		}
	}
	logger.Info().Msg("api: остановлен")
}
