// Package pipeline реализует конвейер обработки каналов: сбор сообщений,
// загрузку вложений, OCR, генерацию дайджестов и постановку доставок.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/infra/metrics"
)

// StepName — имя отдельного шага конвейера для выборочного запуска.
type StepName string

const (
	// StepText — только сбор текстовых сообщений и курсор.
	StepText StepName = "text"
	// StepMedia — только загрузка вложений.
	StepMedia StepName = "media"
	// StepOCR — только распознавание загруженных вложений.
	StepOCR StepName = "ocr"
	// StepDigest — только генерация дайджеста по накопленному окну.
	StepDigest StepName = "digest"
	// StepAll — полный конвейер.
	StepAll StepName = "all"
)

// Settings — лимиты и флаги конвейера.
type Settings struct {
	OCRBatchLimit        int
	MessageClipRunes     int
	ConsolidatedMessages int
	ConsolidatedOCR      int
	GitEnabled           bool
	RepoDir              string
}

// Service координирует обработку одного канала.
type Service struct {
	channels   domain.ChannelRepo
	messages   domain.MessageRepo
	media      domain.MediaRepo
	ocrRepo    domain.OCRRepo
	cursors    domain.CursorRepo
	digests    domain.DigestRepo
	deliveries domain.DeliveryRepo
	docs       domain.ConsolidatedDocRepo

	source    domain.Source
	resolver  *Resolver
	generator domain.Generator
	queue     domain.DeliveryQueue
	publisher domain.Publisher

	settings Settings
	log      zerolog.Logger
}

// Deps собирает зависимости конвейера.
type Deps struct {
	Channels   domain.ChannelRepo
	Messages   domain.MessageRepo
	Media      domain.MediaRepo
	OCR        domain.OCRRepo
	Cursors    domain.CursorRepo
	Digests    domain.DigestRepo
	Deliveries domain.DeliveryRepo
	Docs       domain.ConsolidatedDocRepo
	Source     domain.Source
	Resolver   *Resolver
	Generator  domain.Generator
	Queue      domain.DeliveryQueue
	Publisher  domain.Publisher
}

// NewService создаёт конвейер.
func NewService(deps Deps, settings Settings, log zerolog.Logger) *Service {
	if settings.OCRBatchLimit <= 0 {
		settings.OCRBatchLimit = 50
	}
	if settings.ConsolidatedMessages <= 0 {
		settings.ConsolidatedMessages = 500
	}
	if settings.ConsolidatedOCR <= 0 {
		settings.ConsolidatedOCR = 200
	}
	return &Service{
		channels:   deps.Channels,
		messages:   deps.Messages,
		media:      deps.Media,
		ocrRepo:    deps.OCR,
		cursors:    deps.Cursors,
		digests:    deps.Digests,
		deliveries: deps.Deliveries,
		docs:       deps.Docs,
		source:     deps.Source,
		resolver:   deps.Resolver,
		generator:  deps.Generator,
		queue:      deps.Queue,
		publisher:  deps.Publisher,
		settings:   settings,
		log:        log,
	}
}

// Steps возвращает реестр именованных шагов конвейера.
func (s *Service) Steps() map[StepName]func(ctx context.Context, ch domain.Channel) error {
	return map[StepName]func(ctx context.Context, ch domain.Channel) error{
		StepText: func(ctx context.Context, ch domain.Channel) error {
			_, _, err := s.stepIngest(ctx, ch, false)
			return err
		},
		StepMedia:  s.stepMediaOnly,
		StepOCR:    s.stepOCROnly,
		StepDigest: s.stepDigestOnly,
		StepAll:    s.ProcessChannel,
	}
}

// RunStep выполняет именованный шаг под run-замком канала.
func (s *Service) RunStep(ctx context.Context, step StepName, ch domain.Channel) error {
	fn, ok := s.Steps()[step]
	if !ok {
		return fmt.Errorf("неизвестный шаг конвейера: %q", step)
	}
	release, acquired, err := s.cursors.AcquireRunLock(ctx, ch.Key())
	if err != nil {
		return fmt.Errorf("захват run-замка: %w", err)
	}
	if !acquired {
		s.log.Info().Str("channel", ch.Title).Msg("канал уже обрабатывается другим прогоном, тик пропущен")
		return nil
	}
	defer release()

	start := time.Now()
	err = fn(ctx, ch)
	metrics.ObserveStep(string(step), start, err)
	return err
}

// ProcessChannel выполняет полный конвейер по одному каналу.
// Вызывающий уже держит run-замок (см. RunStep).
func (s *Service) ProcessChannel(ctx context.Context, ch domain.Channel) error {
	peer := ch.Key()
	log := s.log.With().Str("channel", ch.Title).Int64("peer_id", ch.PeerID).Logger()

	newCount, maxMsgID, err := s.stepIngest(ctx, ch, true)
	if err != nil {
		return fmt.Errorf("сбор сообщений: %w", err)
	}

	if s.resolver != nil {
		processed, err := s.resolver.ProcessPending(ctx, s.media, peer, s.settings.OCRBatchLimit)
		if err != nil {
			log.Error().Err(err).Msg("OCR вложений")
		} else if processed > 0 {
			log.Info().Int("count", processed).Msg("OCR обработан")
		}
	}

	state, err := s.cursors.Cursor(ctx, peer)
	if err != nil {
		return fmt.Errorf("чтение курсора: %w", err)
	}

	if maxMsgID <= state.LastMsgID {
		// Пустой тик: фиксируем факт опроса, окно не двигается.
		if err := s.cursors.AdvanceCursor(ctx, peer, state.LastMsgID); err != nil {
			return fmt.Errorf("отметка опроса: %w", err)
		}
		log.Info().Msg("новых сообщений нет")
		return nil
	}
	// Окно считается по сохранённым сообщениям относительно курсора, а не по
	// числу вставок: после сбоя между записью сообщений и сдвигом курсора
	// повторный тик переигрывает то же окно, хотя все upsert'ы дубликаты.
	log.Info().Int("count", newCount).Int64("max_msg_id", maxMsgID).Msg("собраны новые сообщения")

	digest, inserted, changesSummary, err := s.generateWindow(ctx, ch, state.LastMsgID, maxMsgID)
	if err != nil {
		return err
	}
	if digest == nil {
		return nil
	}

	if inserted && digest.LLMText != "" {
		if err := s.enqueueDeliveries(ctx, ch, *digest, changesSummary); err != nil {
			log.Error().Err(err).Msg("постановка доставок")
		}
	}
	log.Info().Int64("digest_id", digest.ID).Msg("канал обработан")
	return nil
}

// stepIngest выгружает новые сообщения и, при withMedia, их вложения.
// Возвращает число новых сообщений и максимальный увиденный msg_id.
func (s *Service) stepIngest(ctx context.Context, ch domain.Channel, withMedia bool) (int, int64, error) {
	peer := ch.Key()
	state, err := s.cursors.Cursor(ctx, peer)
	if err != nil {
		return 0, 0, fmt.Errorf("чтение курсора: %w", err)
	}

	fetched, err := s.source.FetchSince(ctx, ch, state.LastMsgID)
	if err != nil {
		return 0, 0, err
	}

	newCount := 0
	maxMsgID := state.LastMsgID
	for _, msg := range fetched {
		inserted, err := s.messages.SaveMessage(ctx, msg)
		if err != nil {
			return newCount, maxMsgID, fmt.Errorf("сохранение msg_id=%d: %w", msg.MsgID, err)
		}
		if inserted {
			metrics.MessagesIngested.Inc()
			newCount++
		}
		if msg.MsgID > maxMsgID {
			maxMsgID = msg.MsgID
		}
		if withMedia && len(msg.MediaRefs) > 0 {
			if err := s.fetchMessageMedia(ctx, ch, msg); err != nil {
				// Потеря одного вложения не валит тик: запись OCR не появится,
				// и вложение будет переснято позже.
				s.log.Warn().Err(err).Int64("msg_id", msg.MsgID).Msg("загрузка вложений")
			}
		}
	}
	return newCount, maxMsgID, nil
}

func (s *Service) fetchMessageMedia(ctx context.Context, ch domain.Channel, msg domain.Message) error {
	peer := ch.Key()
	for _, ref := range msg.MediaRefs {
		exists, err := s.media.HasMedia(ctx, peer, msg.MsgID, ref.FileName)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		attachment, err := s.source.FetchAttachment(ctx, ch, msg.MsgID, ref)
		if err != nil {
			return fmt.Errorf("вложение %s: %w", ref.FileName, err)
		}
		sum := sha256.Sum256(attachment.Data)
		if _, err := s.media.SaveMedia(ctx, domain.MediaAsset{
			Peer:      peer,
			MsgID:     msg.MsgID,
			FileName:  ref.FileName,
			Kind:      ref.Kind,
			MimeType:  attachment.MimeType,
			SizeBytes: attachment.Size,
			SHA256:    hex.EncodeToString(sum[:]),
			Data:      attachment.Data,
		}); err != nil {
			return err
		}
		metrics.MediaFetched.Inc()
	}
	return nil
}

// stepMediaOnly дозагружает вложения по уже сохранённым сообщениям.
func (s *Service) stepMediaOnly(ctx context.Context, ch domain.Channel) error {
	peer := ch.Key()
	recent, err := s.messages.RecentMessages(ctx, peer, s.settings.ConsolidatedMessages)
	if err != nil {
		return err
	}
	for _, msg := range recent {
		if len(msg.MediaRefs) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fetchMessageMedia(ctx, ch, msg); err != nil {
			s.log.Warn().Err(err).Int64("msg_id", msg.MsgID).Msg("загрузка вложений")
		}
	}
	return nil
}

// stepOCROnly распознаёт скачанные вложения без записи OCR.
func (s *Service) stepOCROnly(ctx context.Context, ch domain.Channel) error {
	if s.resolver == nil {
		return nil
	}
	processed, err := s.resolver.ProcessPending(ctx, s.media, ch.Key(), s.settings.OCRBatchLimit)
	if err != nil {
		return err
	}
	s.log.Info().Str("channel", ch.Title).Int("count", processed).Msg("OCR обработан")
	return nil
}

// stepDigestOnly строит дайджест по накопленному окну без обращения к источнику.
func (s *Service) stepDigestOnly(ctx context.Context, ch domain.Channel) error {
	peer := ch.Key()
	state, err := s.cursors.Cursor(ctx, peer)
	if err != nil {
		return err
	}
	maxMsgID, err := s.messages.MaxMsgID(ctx, peer)
	if err != nil {
		return err
	}
	digest, inserted, changesSummary, err := s.generateWindow(ctx, ch, state.LastMsgID, maxMsgID)
	if err != nil || digest == nil {
		return err
	}
	if inserted && digest.LLMText != "" {
		return s.enqueueDeliveries(ctx, ch, *digest, changesSummary)
	}
	return nil
}

// generateWindow строит дайджест окна (from, to], сохраняет его и продвигает
// курсор. Дайджест фиксируется до продвижения курсора: сбой между этими
// операциями приводит к повторной генерации того же окна, которую снимает
// уникальность окна в БД.
func (s *Service) generateWindow(ctx context.Context, ch domain.Channel, from, to int64) (*domain.Digest, bool, string, error) {
	peer := ch.Key()
	log := s.log.With().Str("channel", ch.Title).Logger()

	if to <= from {
		return nil, false, "", nil
	}

	messages, err := s.messages.MessagesRange(ctx, peer, from, to)
	if err != nil {
		return nil, false, "", fmt.Errorf("чтение окна: %w", err)
	}
	ocrTexts, err := s.ocrRepo.OCRTextRange(ctx, peer, from, to)
	if err != nil {
		return nil, false, "", fmt.Errorf("чтение OCR окна: %w", err)
	}

	if !hasUsableContent(messages, ocrTexts) {
		// Окно без пригодного контента: курсор двигается, дайджеста нет.
		if err := s.cursors.AdvanceCursor(ctx, peer, to); err != nil {
			return nil, false, "", fmt.Errorf("продвижение курсора: %w", err)
		}
		log.Info().Int64("from", from).Int64("to", to).Msg("окно без пригодного контента, курсор продвинут")
		return nil, false, "", nil
	}

	rawDigest := formatRawDigest(ch, messages, from, to, s.settings.MessageClipRunes)

	digest := domain.Digest{
		Peer:      peer,
		MsgIDFrom: from,
		MsgIDTo:   to,
		RawText:   rawDigest,
	}
	generated, err := s.generator.GenerateDigest(ctx, ch, rawDigest, ocrTexts)
	if err != nil {
		// Дайджест без LLM-текста всё равно фиксируется: окно закрыто,
		// повторная генерация возможна по существующей записи.
		log.Error().Err(err).Msg("генерация LLM-дайджеста")
	} else {
		digest.LLMText = generated.Text
		digest.Model = generated.Model
		digest.TokensIn = generated.TokensIn
		digest.TokensOut = generated.TokensOut
	}

	saved, inserted, err := s.digests.SaveDigest(ctx, digest)
	if err != nil {
		return nil, false, "", fmt.Errorf("сохранение дайджеста: %w", err)
	}
	if !inserted {
		log.Info().Int64("digest_id", saved.ID).Msg("окно уже покрыто дайджестом, доставки не пересоздаются")
	}

	if err := s.cursors.AdvanceCursor(ctx, peer, to); err != nil {
		return nil, false, "", fmt.Errorf("продвижение курсора: %w", err)
	}

	changesSummary := ""
	if inserted {
		changesSummary, err = s.consolidate(ctx, ch)
		if err != nil {
			log.Error().Err(err).Msg("обновление сводного документа")
			changesSummary = ""
		}
		if saved.LLMText != "" && s.settings.GitEnabled && s.publisher != nil {
			if err := s.publishDigestFile(ctx, ch, saved); err != nil {
				log.Error().Err(err).Msg("публикация файла дайджеста")
			}
		}
	}
	return &saved, inserted, changesSummary, nil
}

// publishDigestFile пишет дайджест в репозиторий документов и пушит его.
func (s *Service) publishDigestFile(ctx context.Context, ch domain.Channel, d domain.Digest) error {
	day := time.Now().UTC().Format("2006-01-02")
	rel := filepath.Join("docs", "digests", day,
		fmt.Sprintf("digest_llm_%s_%d_from_%d_to_%d.md", ch.PeerType, ch.PeerID, d.MsgIDFrom, d.MsgIDTo))
	abs := filepath.Join(s.settings.RepoDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("# Дайджест: %s\nПериод: msg_id (%d, %d]\nСгенерировано: %s\n\n%s\n",
		ch.Title, d.MsgIDFrom, d.MsgIDTo, time.Now().UTC().Format("2006-01-02 15:04:05 UTC"), d.LLMText)
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return err
	}
	return s.publisher.Publish(ctx, []string{rel}, fmt.Sprintf("digest: %s (%d, %d]", ch.Title, d.MsgIDFrom, d.MsgIDTo))
}

// enqueueDeliveries создаёт pending-записи и ставит задачи в очередь.
// Запись в БД создаётся до постановки задачи, чтобы сбой очереди не терял
// доставку: диспетчер дочитает pending-записи при пересканировании.
func (s *Service) enqueueDeliveries(ctx context.Context, ch domain.Channel, d domain.Digest, changesSummary string) error {
	recipients, err := s.channels.ListRecipients(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("список получателей: %w", err)
	}

	for _, r := range recipients {
		if r.TelegramID == 0 {
			s.log.Debug().Str("recipient", r.Name).Msg("получатель без telegram_id, пропуск")
			continue
		}
		modes := make([]domain.DeliveryType, 0, 2)
		if ch.Delivery.SendText && r.SendText {
			modes = append(modes, domain.DeliveryText)
		}
		if ch.Delivery.SendFile && r.SendFile {
			modes = append(modes, domain.DeliveryFile)
		}
		for _, mode := range modes {
			delivery, created, err := s.deliveries.EnsureDelivery(ctx, d.ID, r.TelegramID, mode)
			if err != nil {
				return fmt.Errorf("создание доставки: %w", err)
			}
			if !created {
				continue
			}
			job := domain.DeliveryJob{
				ID:             uuid.NewString(),
				DeliveryID:     delivery.ID,
				DigestID:       d.ID,
				TenantID:       ch.TenantID,
				ChannelID:      ch.ID,
				TelegramID:     r.TelegramID,
				Type:           mode,
				ChangesSummary: changesSummary,
				EnqueuedAt:     time.Now().UTC(),
			}
			if err := s.queue.Enqueue(ctx, job); err != nil {
				// Запись уже в БД со статусом pending, пересканирование дочитает.
				s.log.Error().Err(err).Int64("delivery_id", delivery.ID).Msg("постановка задачи доставки")
			}
		}
	}
	return nil
}
