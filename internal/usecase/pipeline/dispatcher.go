package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/infra/metrics"
)

// Dispatcher потребляет очередь доставок и отправляет дайджесты получателям.
// Получатели независимы: неудача одной доставки не трогает остальные записи.
type Dispatcher struct {
	channels    domain.ChannelRepo
	digests     domain.DigestRepo
	deliveries  domain.DeliveryRepo
	queue       domain.DeliveryQueue
	sender      domain.Sender
	maxAttempts int
	rescanEvery time.Duration
	log         zerolog.Logger
}

// NewDispatcher создаёт диспетчер доставок.
func NewDispatcher(channels domain.ChannelRepo, digests domain.DigestRepo, deliveries domain.DeliveryRepo,
	queue domain.DeliveryQueue, sender domain.Sender, maxAttempts int, rescanEvery time.Duration, log zerolog.Logger) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if rescanEvery <= 0 {
		rescanEvery = 5 * time.Minute
	}
	return &Dispatcher{
		channels:    channels,
		digests:     digests,
		deliveries:  deliveries,
		queue:       queue,
		sender:      sender,
		maxAttempts: maxAttempts,
		rescanEvery: rescanEvery,
		log:         log,
	}
}

// Run блокирующе обрабатывает очередь до отмены контекста. Параллельно
// пересканирует pending-записи, чтобы сбой очереди не оставил доставки
// висеть навечно.
func (d *Dispatcher) Run(ctx context.Context) error {
	go d.rescanLoop(ctx)

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = time.Second
	wait.MaxInterval = 30 * time.Second
	wait.MaxElapsedTime = 0

	for {
		job, ack, err := d.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			// Недоступный брокер возвращает ошибку мгновенно: без паузы
			// цикл превращается в busy-loop.
			d.log.Error().Err(err).Msg("чтение очереди доставок")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait.NextBackOff()):
			}
			continue
		}
		wait.Reset()
		if err := d.handleJob(ctx, job); err != nil {
			d.log.Error().Err(err).Str("job_id", job.ID).Int64("delivery_id", job.DeliveryID).Msg("обработка доставки")
		}
		// Исход уже записан в БД, сообщение из очереди снимается в любом случае:
		// повторы идут через пересканирование pending-записей.
		if ack != nil {
			if err := ack(true); err != nil {
				d.log.Warn().Err(err).Str("job_id", job.ID).Msg("подтверждение задачи")
			}
		}
	}
}

// handleJob выполняет одну попытку доставки и фиксирует исход.
// Жизненный цикл записи: pending → sent при успехе; при сбое запись остаётся
// pending с текстом ошибки и дожидается пересканирования, failed — только
// терминально, когда попытки исчерпаны.
func (d *Dispatcher) handleJob(ctx context.Context, job domain.DeliveryJob) error {
	digest, err := d.digests.GetDigest(ctx, job.DigestID)
	if err != nil {
		return fmt.Errorf("чтение дайджеста %d: %w", job.DigestID, err)
	}
	ch, err := d.channels.GetChannel(ctx, job.TenantID, job.ChannelID)
	if err != nil {
		return fmt.Errorf("чтение канала %d: %w", job.ChannelID, err)
	}

	sendErr := d.send(ctx, ch, digest, job)

	status := domain.DeliverySent
	detail := ""
	if sendErr != nil {
		status = domain.DeliveryPending
		detail = sendErr.Error()
		// Исчерпанные попытки переводят запись в терминальный failed.
		if delivery, derr := d.deliveryByID(ctx, job); derr == nil && delivery.Attempts+1 >= d.maxAttempts {
			status = domain.DeliveryFailed
		}
	}
	if err := d.deliveries.MarkDelivery(ctx, job.DeliveryID, status, detail); err != nil {
		return fmt.Errorf("фиксация исхода доставки: %w", err)
	}
	metrics.ObserveDelivery(string(job.Type), string(status))

	if sendErr != nil {
		d.log.Warn().Err(sendErr).Int64("delivery_id", job.DeliveryID).Str("status", string(status)).Msg("доставка не удалась")
	} else {
		d.log.Info().Int64("delivery_id", job.DeliveryID).Int64("telegram_id", job.TelegramID).Str("type", string(job.Type)).Msg("доставлено")
	}
	return nil
}

func (d *Dispatcher) deliveryByID(ctx context.Context, job domain.DeliveryJob) (domain.Delivery, error) {
	all, err := d.deliveries.ListDeliveries(ctx, job.DigestID)
	if err != nil {
		return domain.Delivery{}, err
	}
	for _, delivery := range all {
		if delivery.ID == job.DeliveryID {
			return delivery, nil
		}
	}
	return domain.Delivery{}, domain.ErrNotFound
}

func (d *Dispatcher) send(ctx context.Context, ch domain.Channel, digest domain.Digest, job domain.DeliveryJob) error {
	now := time.Now().UTC()
	switch job.Type {
	case domain.DeliveryText:
		return d.sender.SendText(ctx, job.TelegramID, digestMessageText(ch, digest, job.ChangesSummary))
	case domain.DeliveryFile:
		content := digestDocument(ch, digest, job.ChangesSummary, now)
		caption := fmt.Sprintf("Дайджест по чату: %s (ID: %d)", ch.Title, ch.PeerID)
		return d.sender.SendFile(ctx, job.TelegramID, digestFileName(ch, digest, now), []byte(content), caption)
	default:
		return fmt.Errorf("неизвестный тип доставки: %q", job.Type)
	}
}

// rescanLoop возвращает в очередь зависшие pending-записи.
func (d *Dispatcher) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(d.rescanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RescanPending(ctx); err != nil {
				d.log.Error().Err(err).Msg("пересканирование доставок")
			}
		}
	}
}

// RescanPending ставит в очередь pending-записи, не исчерпавшие попытки.
func (d *Dispatcher) RescanPending(ctx context.Context) error {
	pending, err := d.deliveries.PendingDeliveries(ctx, d.maxAttempts, 100)
	if err != nil {
		return err
	}
	for _, delivery := range pending {
		// Свежие записи ещё могут ждать своей задачи в очереди.
		if time.Since(delivery.UpdatedAt) < d.rescanEvery {
			continue
		}
		digest, err := d.digests.GetDigest(ctx, delivery.DigestID)
		if err != nil {
			d.log.Warn().Err(err).Int64("digest_id", delivery.DigestID).Msg("дайджест зависшей доставки не найден")
			continue
		}
		channelID, tenantID, ok := d.resolveChannel(ctx, digest)
		if !ok {
			continue
		}
		job := domain.DeliveryJob{
			ID:         uuid.NewString(),
			DeliveryID: delivery.ID,
			DigestID:   delivery.DigestID,
			TenantID:   tenantID,
			ChannelID:  channelID,
			TelegramID: delivery.TelegramID,
			Type:       delivery.Type,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return err
		}
		d.log.Info().Int64("delivery_id", delivery.ID).Int("attempts", delivery.Attempts).Msg("зависшая доставка возвращена в очередь")
	}
	return nil
}

func (d *Dispatcher) resolveChannel(ctx context.Context, digest domain.Digest) (channelID, tenantID int64, ok bool) {
	channels, err := d.channels.ListEnabledChannels(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("список каналов для пересканирования")
		return 0, 0, false
	}
	for _, ch := range channels {
		if ch.Key() == digest.Peer {
			return ch.ID, ch.TenantID, true
		}
	}
	return 0, 0, false
}
