// Package schedule периодически запускает конвейер по всем активным каналам.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/usecase/pipeline"
)

// Service опрашивает каналы с заданным интервалом. Каналы обрабатываются
// независимо и параллельно в пределах лимита; один канал никогда не
// обрабатывается двумя тиками одновременно.
type Service struct {
	channels    domain.ChannelRepo
	pipe        *pipeline.Service
	cache       domain.Cache
	interval    time.Duration
	parallelism int
	runBudget   time.Duration
	log         zerolog.Logger
}

// NewService создаёт планировщик.
func NewService(channels domain.ChannelRepo, pipe *pipeline.Service, cache domain.Cache,
	interval time.Duration, parallelism int, runBudget time.Duration, log zerolog.Logger) *Service {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	if runBudget <= 0 {
		runBudget = 20 * time.Minute
	}
	return &Service{
		channels:    channels,
		pipe:        pipe,
		cache:       cache,
		interval:    interval,
		parallelism: parallelism,
		runBudget:   runBudget,
		log:         log,
	}
}

// Run выполняет тики до отмены контекста. Первый тик стартует сразу.
func (s *Service) Run(ctx context.Context, step pipeline.StepName) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx, step, ""); err != nil {
		s.log.Error().Err(err).Msg("тик планировщика")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx, step, ""); err != nil {
				s.log.Error().Err(err).Msg("тик планировщика")
			}
		}
	}
}

// RunOnce обрабатывает все активные каналы один раз. Непустой onlyTitle
// ограничивает прогон одним каналом (режим отладки).
func (s *Service) RunOnce(ctx context.Context, step pipeline.StepName, onlyTitle string) error {
	if step == "" {
		step = pipeline.StepAll
	}
	runCtx, cancel := context.WithTimeout(ctx, s.runBudget)
	defer cancel()

	channels, err := s.channels.ListEnabledChannels(runCtx)
	if err != nil {
		return err
	}
	s.log.Info().Int("channels", len(channels)).Str("step", string(step)).Msg("тик начат")

	sem := make(chan struct{}, s.parallelism)
	var wg sync.WaitGroup
	for _, ch := range channels {
		if onlyTitle != "" && ch.Title != onlyTitle {
			continue
		}
		select {
		case <-runCtx.Done():
			wg.Wait()
			return runCtx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processChannel(runCtx, step, ch)
		}(ch)
	}
	wg.Wait()
	s.log.Info().Msg("тик завершён")
	return nil
}

// processChannel запускает шаг с защитой от повторного тика по тому же
// каналу на этом инстансе (Redis) и между инстансами (advisory-замок в БД).
func (s *Service) processChannel(ctx context.Context, step pipeline.StepName, ch domain.Channel) {
	run := func() error {
		return s.pipe.RunStep(ctx, step, ch)
	}

	var err error
	if s.cache != nil {
		key := tickKey(ch)
		err = s.cache.Once(ctx, key, s.interval/2, run)
	} else {
		err = run()
	}
	if err != nil {
		s.log.Error().Err(err).Str("channel", ch.Title).Msg("обработка канала")
	}
}

func tickKey(ch domain.Channel) string {
	return fmt.Sprintf("tick:%s:%d:%d", ch.PeerType, ch.TenantID, ch.PeerID)
}
