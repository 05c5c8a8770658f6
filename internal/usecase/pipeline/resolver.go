package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/infra/metrics"
)

// TTL короткого кэша распознанных текстов по контрольной сумме.
const ocrCacheTTL = 24 * time.Hour

// Resolver прогоняет вложения через цепочку OCR-провайдеров.
// Провайдеры пробуются в заданном порядке, побеждает первый результат с
// достаточной уверенностью. Частичный вывод проигравшего провайдера
// никогда не сохраняется.
type Resolver struct {
	providers     []domain.OCRProvider
	ocrRepo       domain.OCRRepo
	cache         domain.Cache
	minConfidence float64
	log           zerolog.Logger
}

// NewResolver создаёт резолвер с упорядоченной цепочкой провайдеров.
func NewResolver(providers []domain.OCRProvider, ocrRepo domain.OCRRepo, cache domain.Cache, minConfidence float64, log zerolog.Logger) *Resolver {
	return &Resolver{
		providers:     providers,
		ocrRepo:       ocrRepo,
		cache:         cache,
		minConfidence: minConfidence,
		log:           log,
	}
}

// Resolve распознаёт текст одного вложения. Сначала ищется готовый текст по
// контрольной сумме содержимого, затем провайдеры по порядку. Пустой текст
// при отсутствии ошибок означает изображение без текста: результат валиден.
func (r *Resolver) Resolve(ctx context.Context, asset domain.MediaAsset) (domain.OCRResult, bool, error) {
	res := domain.OCRResult{
		MediaID: asset.ID,
		Peer:    asset.Peer,
		MsgID:   asset.MsgID,
	}

	if text, provider, ok := r.cachedText(ctx, asset.SHA256); ok {
		// Провайдером остаётся тот, кто распознал текст изначально.
		res.Text = text
		res.Provider = provider
		res.Confidence = 1
		return res, true, nil
	}

	var lastErr error
	for _, provider := range r.providers {
		text, confidence, err := provider.Recognize(ctx, asset.Data)
		metrics.ObserveOCRAttempt(provider.Name(), err)
		if err != nil {
			r.log.Warn().Err(err).Str("provider", provider.Name()).Int64("media_id", asset.ID).Msg("провайдер OCR не справился")
			lastErr = err
			continue
		}
		if strings.TrimSpace(text) != "" && confidence < r.minConfidence {
			r.log.Debug().Str("provider", provider.Name()).Float64("confidence", confidence).Int64("media_id", asset.ID).Msg("низкая уверенность, пробуем следующий провайдер")
			continue
		}
		res.Text = text
		res.Provider = provider.Name()
		res.Confidence = confidence
		r.storeCache(ctx, asset.SHA256, provider.Name(), text)
		return res, true, nil
	}
	return domain.OCRResult{}, false, lastErr
}

// cachedText ищет готовый текст по контрольной сумме: сперва в коротком
// кэше, затем в БД. Вторым значением — имя распознавшего провайдера.
func (r *Resolver) cachedText(ctx context.Context, sha256 string) (string, string, bool) {
	if sha256 == "" {
		return "", "", false
	}
	if r.cache != nil {
		if val, ok, err := r.cache.Get(ctx, "ocr:sha256:"+sha256); err == nil && ok {
			// Значение кэша: первая строка — провайдер, дальше текст.
			if parts := strings.SplitN(string(val), "\n", 2); len(parts) == 2 {
				return parts[1], parts[0], true
			}
		}
	}
	text, provider, ok, err := r.ocrRepo.OCRTextByChecksum(ctx, sha256)
	if err != nil {
		r.log.Warn().Err(err).Msg("поиск OCR по контрольной сумме")
		return "", "", false
	}
	return text, provider, ok
}

func (r *Resolver) storeCache(ctx context.Context, sha256, provider, text string) {
	if r.cache == nil || sha256 == "" || text == "" {
		return
	}
	if err := r.cache.Set(ctx, "ocr:sha256:"+sha256, []byte(provider+"\n"+text), ocrCacheTTL); err != nil {
		r.log.Warn().Err(err).Msg("запись OCR-кэша")
	}
}

// ProcessPending распознаёт вложения чата без записи в media_text.
// Отсутствие записи и есть сигнал повтора: неудача этого тика означает
// повторную попытку в следующем. Возвращает число успешно обработанных.
func (r *Resolver) ProcessPending(ctx context.Context, media domain.MediaRepo, peer domain.PeerKey, limit int) (int, error) {
	assets, err := media.MediaWithoutOCR(ctx, peer, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		result, ok, err := r.Resolve(ctx, asset)
		if !ok {
			r.log.Warn().Err(err).Int64("media_id", asset.ID).Int64("msg_id", asset.MsgID).Msg("все провайдеры OCR отказали, повтор в следующем тике")
			continue
		}
		if err := r.ocrRepo.SaveOCRResult(ctx, result); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}
