package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/adapters/generator"
	"tg-digest-pipeline/internal/adapters/gitstore"
	"tg-digest-pipeline/internal/adapters/mtproto"
	ocradapters "tg-digest-pipeline/internal/adapters/ocr"
	"tg-digest-pipeline/internal/adapters/repo"
	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/infra/cache"
	"tg-digest-pipeline/internal/infra/config"
	"tg-digest-pipeline/internal/infra/db"
	applog "tg-digest-pipeline/internal/infra/log"
	"tg-digest-pipeline/internal/infra/metrics"
	"tg-digest-pipeline/internal/infra/openai"
	"tg-digest-pipeline/internal/infra/queue"
	"tg-digest-pipeline/internal/usecase/pipeline"
	"tg-digest-pipeline/internal/usecase/schedule"
)

func main() {
	var (
		once    = flag.Bool("once", false, "однократный прогон вместо цикла")
		step    = flag.String("step", "all", "шаг конвейера: text|media|ocr|digest|all")
		channel = flag.String("channel", "", "обработать только канал с этим названием")
	)
	flag.Parse()

	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("worker: не указан DSN Postgres (PG_DSN)")
	}
	if err := db.Migrate(cfg.PGDSN); err != nil {
		logger.Fatal().Err(err).Msg("worker: миграции не применились")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var (
		appCache      domain.Cache
		deliveryQueue domain.DeliveryQueue
		redisClient   *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		appCache = cache.NewRedis(redisClient)
	}
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitDeliveryQueue(cfg.RabbitURL, cfg.Delivery.QueueKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: очередь RabbitMQ недоступна")
		}
		defer rabbit.Close()
		deliveryQueue = rabbit
	} else if redisClient != nil {
		logger.Warn().Msg("worker: RabbitMQ не настроен, очередь доставок работает через Redis")
		deliveryQueue = queue.NewRedisDeliveryQueue(redisClient, cfg.Delivery.QueueKey)
	} else {
		logger.Fatal().Msg("worker: нужна хотя бы одна очередь (RABBITMQ_URL или REDIS_ADDR)")
	}

	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		logger.Fatal().Msg("worker: не указаны TG_API_ID / TG_API_HASH")
	}
	sessionStore := mtproto.NewSessionStore(repoAdapter, cfg.MTProto.SessionName, logger.With().Str("component", "mtproto").Logger())
	source := mtproto.NewSource(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionStore, cfg.MTProto.PageSize, logger.With().Str("component", "mtproto").Logger())

	if cfg.OpenAI.APIKey == "" {
		logger.Fatal().Msg("worker: не указан ключ OpenAI (OPENAI_API_KEY)")
	}
	openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	gen := generator.NewOpenAI(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.MaxTokens, cfg.OpenAI.Temperature, cfg.OpenAI.Timeout)

	resolver := pipeline.NewResolver(buildOCRProviders(cfg, logger), repoAdapter, appCache, cfg.OCR.MinConfidence,
		logger.With().Str("component", "ocr").Logger())

	var publisher domain.Publisher
	if cfg.Git.Enabled {
		publisher = gitstore.NewPublisher(cfg.Git.RepoDir, cfg.Git.Branch, cfg.Git.SSHKeyPath,
			logger.With().Str("component", "gitstore").Logger())
	}

	pipe := pipeline.NewService(pipeline.Deps{
		Channels:   repoAdapter,
		Messages:   repoAdapter,
		Media:      repoAdapter,
		OCR:        repoAdapter,
		Cursors:    repoAdapter,
		Digests:    repoAdapter,
		Deliveries: repoAdapter,
		Docs:       repoAdapter,
		Source:     source,
		Resolver:   resolver,
		Generator:  gen,
		Queue:      deliveryQueue,
		Publisher:  publisher,
	}, pipeline.Settings{
		OCRBatchLimit:        cfg.OCR.BatchLimit,
		MessageClipRunes:     cfg.Limits.MessageClipRunes,
		ConsolidatedMessages: cfg.Limits.ConsolidatedMessages,
		ConsolidatedOCR:      cfg.Limits.ConsolidatedOCR,
		GitEnabled:           cfg.Git.Enabled,
		RepoDir:              cfg.Git.RepoDir,
	}, logger.With().Str("component", "pipeline").Logger())

	scheduler := schedule.NewService(repoAdapter, pipe, appCache,
		cfg.Scheduler.Interval, cfg.Scheduler.Parallelism, cfg.Scheduler.RunBudget,
		logger.With().Str("component", "scheduler").Logger())

	stepName := pipeline.StepName(*step)
	if *once {
		if err := scheduler.RunOnce(ctx, stepName, *channel); err != nil {
			logger.Fatal().Err(err).Msg("worker: однократный прогон завершился ошибкой")
		}
		logger.Info().Msg("worker: однократный прогон завершён")
		return
	}

	logger.Info().Dur("interval", cfg.Scheduler.Interval).Msg("worker: запуск цикла обработки")
	if err := scheduler.Run(ctx, stepName); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("worker: цикл обработки завершился ошибкой")
	}
	logger.Info().Msg("worker: остановлен")
}

// buildOCRProviders собирает цепочку в порядке из конфига. Провайдеры без
// обязательных ключей пропускаются с предупреждением в логе.
func buildOCRProviders(cfg config.AppConfig, logger zerolog.Logger) []domain.OCRProvider {
	var providers []domain.OCRProvider
	for _, name := range cfg.OCR.Providers {
		switch name {
		case "ocrspace":
			if cfg.OCR.SpaceAPIKey == "" {
				logger.Warn().Msg("worker: OCR.space пропущен, не указан OCRSPACE_API_KEY")
				continue
			}
			providers = append(providers, ocradapters.NewSpace(cfg.OCR.SpaceAPIKey, cfg.OCR.SpaceLanguage, cfg.OCR.Timeout))
		case "yandex":
			if cfg.OCR.YandexAPIKey == "" || cfg.OCR.YandexFolder == "" {
				logger.Warn().Msg("worker: Yandex Vision пропущен, не указаны YANDEX_VISION_API_KEY / YANDEX_VISION_FOLDER_ID")
				continue
			}
			providers = append(providers, ocradapters.NewYandex(cfg.OCR.YandexAPIKey, cfg.OCR.YandexFolder, cfg.OCR.Timeout))
		case "tesseract":
			t := ocradapters.NewTesseract(cfg.OCR.TesseractBin, cfg.OCR.TesseractLang, cfg.OCR.Timeout)
			if !t.Available() {
				logger.Warn().Str("bin", cfg.OCR.TesseractBin).Msg("worker: tesseract не найден в PATH, провайдер пропущен")
				continue
			}
			providers = append(providers, t)
		default:
			logger.Warn().Str("provider", name).Msg("worker: неизвестный OCR-провайдер в конфиге")
		}
	}
	return providers
}
