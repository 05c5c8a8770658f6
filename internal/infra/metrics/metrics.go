package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_step_duration_seconds",
		Help:    "Длительность шагов пайплайна",
		Buckets: prometheus.DefBuckets,
	}, []string{"step", "status"})

	StepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_step_errors_total",
		Help: "Ошибки шагов пайплайна",
	}, []string{"step"})

	MessagesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_messages_ingested_total",
		Help: "Сохранённые новые сообщения",
	})

	MediaFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_media_fetched_total",
		Help: "Загруженные вложения",
	})

	OCRAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ocr_provider_attempts_total",
		Help: "Попытки распознавания по провайдерам",
	}, []string{"provider", "status"})

	DeliveryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_outcomes_total",
		Help: "Исходы доставок дайджестов",
	}, []string{"type", "status"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180, 300, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		StepDuration,
		StepErrors,
		MessagesIngested,
		MediaFetched,
		OCRAttempts,
		DeliveryOutcomes,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveStep записывает длительность и исход шага пайплайна.
func ObserveStep(step string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		StepErrors.WithLabelValues(step).Inc()
	}
	StepDuration.WithLabelValues(step, status).Observe(time.Since(start).Seconds())
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// ObserveOCRAttempt фиксирует попытку распознавания у провайдера.
func ObserveOCRAttempt(provider string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	OCRAttempts.WithLabelValues(provider, status).Inc()
}

// ObserveDelivery фиксирует исход доставки.
func ObserveDelivery(deliveryType, status string) {
	DeliveryOutcomes.WithLabelValues(deliveryType, status).Inc()
}
