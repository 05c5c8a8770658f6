package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tg-digest-pipeline/internal/domain"
)

// consolidate обновляет сводный документ канала и возвращает краткое
// описание изменений. Документ обновляется не чаще раза в сутки, кроме
// первого создания. Неизменившееся содержимое не публикуется и не
// перезаписывает метаданные.
func (s *Service) consolidate(ctx context.Context, ch domain.Channel) (string, error) {
	if ch.ConsolidatedDocPath == "" {
		return "", nil
	}
	peer := ch.Key()
	log := s.log.With().Str("channel", ch.Title).Logger()

	doc, exists, err := s.docs.ConsolidatedDoc(ctx, peer)
	if err != nil {
		return "", fmt.Errorf("чтение метаданных документа: %w", err)
	}
	docPath := filepath.Join(s.settings.RepoDir, ch.ConsolidatedDocPath)
	_, statErr := os.Stat(docPath)
	firstRun := !exists || statErr != nil

	today := time.Now().UTC().Format("2006-01-02")
	if !firstRun && doc.UpdatedAt.UTC().Format("2006-01-02") == today {
		log.Debug().Msg("сводный документ уже обновлялся сегодня")
		return "", nil
	}

	messages, err := s.messages.RecentMessages(ctx, peer, s.settings.ConsolidatedMessages)
	if err != nil {
		return "", fmt.Errorf("чтение сообщений для документа: %w", err)
	}
	ocrTexts, err := s.ocrRepo.RecentOCRTexts(ctx, peer, s.settings.ConsolidatedOCR)
	if err != nil {
		return "", fmt.Errorf("чтение OCR для документа: %w", err)
	}
	if len(messages) == 0 && len(ocrTexts) == 0 {
		return "", nil
	}

	previous := ""
	if raw, err := os.ReadFile(docPath); err == nil {
		previous = string(raw)
	}

	result, err := s.generator.GenerateConsolidated(ctx, ch, messages, ocrTexts, previous)
	if err != nil {
		return "", fmt.Errorf("генерация документа: %w", err)
	}
	if result.Content == "" {
		return "", nil
	}

	sum := sha256.Sum256([]byte(result.Content))
	checksum := hex.EncodeToString(sum[:])
	if exists && checksum == doc.Checksum {
		log.Info().Msg("сводный документ не изменился, публикация пропущена")
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(docPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(docPath, []byte(result.Content), 0o644); err != nil {
		return "", fmt.Errorf("запись документа: %w", err)
	}

	if s.settings.GitEnabled && s.publisher != nil {
		message := fmt.Sprintf("docs: сводный документ %s (%s)", ch.Title, today)
		if err := s.publisher.Publish(ctx, []string{ch.ConsolidatedDocPath}, message); err != nil {
			log.Error().Err(err).Msg("публикация сводного документа")
		}
	}

	if err := s.docs.UpsertConsolidatedDoc(ctx, domain.ConsolidatedDoc{
		Peer:     peer,
		Path:     ch.ConsolidatedDocPath,
		Checksum: checksum,
	}); err != nil {
		return "", fmt.Errorf("сохранение метаданных документа: %w", err)
	}
	log.Info().Str("path", ch.ConsolidatedDocPath).Msg("сводный документ обновлён")
	return result.ChangesSummary, nil
}
