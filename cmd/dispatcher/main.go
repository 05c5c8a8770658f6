package main

import (
	"context"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-digest-pipeline/internal/adapters/repo"
	"tg-digest-pipeline/internal/adapters/telegram"
	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/infra/config"
	"tg-digest-pipeline/internal/infra/db"
	applog "tg-digest-pipeline/internal/infra/log"
	"tg-digest-pipeline/internal/infra/metrics"
	"tg-digest-pipeline/internal/infra/queue"
	"tg-digest-pipeline/internal/usecase/pipeline"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("dispatcher: не указан DSN Postgres (PG_DSN)")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var deliveryQueue domain.DeliveryQueue
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitDeliveryQueue(cfg.RabbitURL, cfg.Delivery.QueueKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: очередь RabbitMQ недоступна")
		}
		defer rabbit.Close()
		deliveryQueue = rabbit
	} else if cfg.RedisAddr != "" {
		logger.Warn().Msg("dispatcher: RabbitMQ не настроен, очередь доставок работает через Redis")
		deliveryQueue = queue.NewRedisDeliveryQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Delivery.QueueKey)
	} else {
		logger.Fatal().Msg("dispatcher: нужна хотя бы одна очередь (RABBITMQ_URL или REDIS_ADDR)")
	}

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("dispatcher: не указан токен бота (TG_BOT_TOKEN)")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: не удалось создать Bot API клиент")
	}
	sender := telegram.NewSender(bot, 0, logger.With().Str("component", "sender").Logger())

	dispatcher := pipeline.NewDispatcher(repoAdapter, repoAdapter, repoAdapter, deliveryQueue, sender,
		cfg.Delivery.MaxAttempts, cfg.Delivery.RetryInterval,
		logger.With().Str("component", "dispatcher").Logger())

	logger.Info().Str("queue", cfg.Delivery.QueueKey).Msg("dispatcher: запуск обработки доставок")
	if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("dispatcher: обработка очереди завершилась ошибкой")
	}
	logger.Info().Msg("dispatcher: остановлен")
}
