package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/domain"
)

func testAsset(id int64, sha string) domain.MediaAsset {
	return domain.MediaAsset{
		ID:     id,
		Peer:   testChannel().Key(),
		MsgID:  100,
		SHA256: sha,
		Data:   []byte("картинка"),
	}
}

func TestResolveFallsBackToNextProvider(t *testing.T) {
	first := &stubProvider{name: "ocrspace", err: errors.New("квота исчерпана")}
	second := &stubProvider{name: "tesseract", text: "текст со скриншота", confidence: 0.7}
	store := newMemStore()
	r := NewResolver([]domain.OCRProvider{first, second}, store, nil, 0.4, zerolog.Nop())

	res, ok, err := r.Resolve(context.Background(), testAsset(1, "abc"))
	if err != nil || !ok {
		t.Fatalf("ожидали успех второго провайдера: ok=%v err=%v", ok, err)
	}
	if res.Provider != "tesseract" {
		t.Fatalf("результат должен приписываться сработавшему провайдеру, получили %q", res.Provider)
	}
	if res.Text != "текст со скриншота" {
		t.Fatalf("неожиданный текст: %q", res.Text)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("ожидали по одному вызову на провайдера: %d/%d", first.calls, second.calls)
	}
}

func TestResolveLowConfidenceTriesNext(t *testing.T) {
	first := &stubProvider{name: "ocrspace", text: "мусор", confidence: 0.1}
	second := &stubProvider{name: "yandex", text: "нормальный текст", confidence: 0.9}
	r := NewResolver([]domain.OCRProvider{first, second}, newMemStore(), nil, 0.4, zerolog.Nop())

	res, ok, err := r.Resolve(context.Background(), testAsset(1, "abc"))
	if err != nil || !ok {
		t.Fatalf("не ожидали ошибку: ok=%v err=%v", ok, err)
	}
	// Частичный вывод провайдера с низкой уверенностью не сохраняется.
	if res.Provider != "yandex" || res.Text != "нормальный текст" {
		t.Fatalf("ожидали результат второго провайдера, получили %q/%q", res.Provider, res.Text)
	}
}

func TestResolveEmptyTextIsValid(t *testing.T) {
	first := &stubProvider{name: "ocrspace", text: "", confidence: 0}
	second := &stubProvider{name: "tesseract", text: "не должен вызываться", confidence: 0.9}
	r := NewResolver([]domain.OCRProvider{first, second}, newMemStore(), nil, 0.4, zerolog.Nop())

	res, ok, err := r.Resolve(context.Background(), testAsset(1, "abc"))
	if err != nil || !ok {
		t.Fatalf("пустой текст без ошибки валиден: ok=%v err=%v", ok, err)
	}
	if res.Provider != "ocrspace" || res.Text != "" {
		t.Fatalf("изображение без текста закрывается первым провайдером: %q/%q", res.Provider, res.Text)
	}
	if second.calls != 0 {
		t.Fatalf("второй провайдер не должен вызываться")
	}
}

func TestResolveAllProvidersFail(t *testing.T) {
	first := &stubProvider{name: "ocrspace", err: errors.New("квота")}
	second := &stubProvider{name: "tesseract", err: errors.New("бинарь упал")}
	r := NewResolver([]domain.OCRProvider{first, second}, newMemStore(), nil, 0.4, zerolog.Nop())

	_, ok, err := r.Resolve(context.Background(), testAsset(1, "abc"))
	if ok {
		t.Fatalf("не ожидали результата при отказе всех провайдеров")
	}
	if err == nil {
		t.Fatalf("ожидали последнюю ошибку цепочки")
	}
}

func TestResolveReusesTextByChecksum(t *testing.T) {
	store := newMemStore()
	// Такое же содержимое уже распознано для другого вложения.
	if _, err := store.SaveMedia(context.Background(), testAsset(0, "dup")); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	asset := testAsset(0, "dup")
	asset.FileName = "other.png"
	id, _ := store.SaveMedia(context.Background(), asset)
	if err := store.SaveOCRResult(context.Background(), domain.OCRResult{MediaID: id, Peer: asset.Peer, MsgID: asset.MsgID, Text: "готовый текст", Provider: "yandex"}); err != nil {
		t.Fatalf("подготовка: %v", err)
	}

	provider := &stubProvider{name: "ocrspace", text: "не должен вызываться", confidence: 0.9}
	r := NewResolver([]domain.OCRProvider{provider}, store, nil, 0.4, zerolog.Nop())

	res, ok, err := r.Resolve(context.Background(), testAsset(2, "dup"))
	if err != nil || !ok {
		t.Fatalf("не ожидали ошибку: ok=%v err=%v", ok, err)
	}
	if res.Text != "готовый текст" {
		t.Fatalf("ожидали дедупликацию по контрольной сумме: %q", res.Text)
	}
	// Авторство остаётся за провайдером, распознавшим текст изначально.
	if res.Provider != "yandex" {
		t.Fatalf("ожидали провайдера исходного распознавания, получили %q", res.Provider)
	}
	if provider.calls != 0 {
		t.Fatalf("провайдер не должен вызываться при попадании в кэш")
	}
}

func TestProcessPendingLeavesFailedForRetry(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	if _, err := store.SaveMedia(context.Background(), domain.MediaAsset{Peer: ch.Key(), MsgID: 1, FileName: "a.png", Data: []byte("a")}); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	provider := &stubProvider{name: "ocrspace", err: errors.New("квота")}
	r := NewResolver([]domain.OCRProvider{provider}, store, nil, 0.4, zerolog.Nop())

	processed, err := r.ProcessPending(context.Background(), store, ch.Key(), 10)
	if err != nil {
		t.Fatalf("отказ провайдера не валит прогон: %v", err)
	}
	if processed != 0 {
		t.Fatalf("не ожидали обработанных вложений, получили %d", processed)
	}

	// Записи OCR нет, вложение попадёт в следующий прогон.
	pending, _ := store.MediaWithoutOCR(context.Background(), ch.Key(), 10)
	if len(pending) != 1 {
		t.Fatalf("вложение должно остаться в очереди повтора, получили %d", len(pending))
	}

	provider.err = nil
	provider.text = "со второй попытки"
	provider.confidence = 0.8
	processed, err = r.ProcessPending(context.Background(), store, ch.Key(), 10)
	if err != nil || processed != 1 {
		t.Fatalf("ожидали успешный повтор: processed=%d err=%v", processed, err)
	}
	pending, _ = store.MediaWithoutOCR(context.Background(), ch.Key(), 10)
	if len(pending) != 0 {
		t.Fatalf("после успеха очередь повтора должна опустеть")
	}
}
