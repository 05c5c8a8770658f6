package pipeline

import (
	"strings"
	"testing"
	"time"

	"tg-digest-pipeline/internal/domain"
)

func TestFormatRawDigest(t *testing.T) {
	ch := testChannel()
	messages := []domain.Message{
		{MsgID: 1201, Date: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), SenderName: "Иван", Text: "первая\nстрока"},
		{MsgID: 1202, SenderName: "", Text: ""},
	}

	raw := formatRawDigest(ch, messages, 1200, 1241, 0)

	if !strings.HasPrefix(raw, "# Increment digest") {
		t.Fatalf("ожидали заголовок хроники, получили %q", raw[:40])
	}
	if !strings.Contains(raw, "Window: msg_id (1200, 1241]") {
		t.Fatalf("ожидали границы окна в шапке")
	}
	if !strings.Contains(raw, "Messages: 2") {
		t.Fatalf("ожидали счётчик сообщений")
	}
	if !strings.Contains(raw, "- **2026-08-30 12:00:00** `msg_id=1201` **Иван**: первая строка") {
		t.Fatalf("строка хроники не совпала:\n%s", raw)
	}
	// Пустые поля получают маркеры, переводы строк схлопываются в пробелы.
	if !strings.Contains(raw, "`msg_id=1202` **[NO_SENDER]**: [EMPTY]") {
		t.Fatalf("ожидали маркеры пустых полей:\n%s", raw)
	}
}

func TestFormatRawDigestClipsLongText(t *testing.T) {
	ch := testChannel()
	long := strings.Repeat("ж", 2000)
	raw := formatRawDigest(ch, []domain.Message{{MsgID: 1, Text: long, SenderName: "Иван"}}, 0, 1, 100)

	for _, line := range strings.Split(raw, "\n") {
		if !strings.Contains(line, "msg_id=1") {
			continue
		}
		if got := len([]rune(line)); got > 150 {
			t.Fatalf("строка хроники не обрезана: %d рун", got)
		}
		return
	}
	t.Fatalf("строка сообщения не найдена")
}

func TestClipText(t *testing.T) {
	if got := clipText("привет", 10); got != "привет" {
		t.Fatalf("короткий текст не должен меняться, получили %q", got)
	}
	if got := clipText("привет", 3); got != "при" {
		t.Fatalf("обрезка должна идти по рунам, получили %q", got)
	}
	if got := clipText("привет", 0); got != "привет" {
		t.Fatalf("нулевой лимит отключает обрезку, получили %q", got)
	}
}

func TestHasUsableContent(t *testing.T) {
	if hasUsableContent(nil, nil) {
		t.Fatalf("пустое окно не пригодно для генерации")
	}
	if hasUsableContent([]domain.Message{{Text: "  \n"}}, nil) {
		t.Fatalf("пробельный текст не считается контентом")
	}
	if !hasUsableContent([]domain.Message{{Text: "текст"}}, nil) {
		t.Fatalf("текст сообщения — пригодный контент")
	}
	if !hasUsableContent([]domain.Message{{Text: " "}}, []domain.OCRResult{{Text: "текст со скриншота"}}) {
		t.Fatalf("OCR-текст — пригодный контент")
	}
}

func TestDigestMessageTextSummaryOnly(t *testing.T) {
	ch := testChannel()
	ch.Delivery.SummaryOnly = true
	ch.Delivery.TextMaxChars = 10
	d := domain.Digest{LLMText: strings.Repeat("д", 50)}

	text := digestMessageText(ch, d, "")
	if !strings.Contains(text, "📊 *Дайджест по чату:* "+ch.Title) {
		t.Fatalf("ожидали шапку дайджеста:\n%s", text)
	}
	if !strings.Contains(text, strings.Repeat("д", 10)+"…") {
		t.Fatalf("ожидали обрезку до лимита с многоточием:\n%s", text)
	}
	if strings.Contains(text, strings.Repeat("д", 11)) {
		t.Fatalf("лимит summary_only нарушен")
	}
}

func TestDigestMessageTextDefaultClip(t *testing.T) {
	ch := testChannel()
	d := domain.Digest{LLMText: strings.Repeat("д", 5000)}

	text := digestMessageText(ch, d, "")
	if got := len([]rune(text)); got > 3600 {
		t.Fatalf("текст без summary_only обрезается до 3500 рун, получили %d", got)
	}
}

func TestDigestMessageTextAppendsChanges(t *testing.T) {
	ch := testChannel()
	d := domain.Digest{LLMText: "итоги"}

	text := digestMessageText(ch, d, "добавлен раздел про релиз")
	if !strings.Contains(text, "Изменения в сводном документе") || !strings.Contains(text, "добавлен раздел про релиз") {
		t.Fatalf("ожидали блок изменений:\n%s", text)
	}
}

func TestDigestFileName(t *testing.T) {
	ch := testChannel()
	d := domain.Digest{MsgIDFrom: 1200, MsgIDTo: 1241}
	now := time.Date(2026, 8, 30, 15, 4, 5, 0, time.UTC)

	got := digestFileName(ch, d, now)
	want := "digest_100500_1200_1241_20260830T150405.md"
	if got != want {
		t.Fatalf("ожидали %q, получили %q", want, got)
	}
}

func TestDigestDocument(t *testing.T) {
	ch := testChannel()
	d := domain.Digest{MsgIDFrom: 0, MsgIDTo: 10, LLMText: "итоги"}
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	doc := digestDocument(ch, d, "правки", now)
	if !strings.HasPrefix(doc, "# Дайджест по чату: "+ch.Title) {
		t.Fatalf("ожидали заголовок документа:\n%s", doc)
	}
	if !strings.Contains(doc, "Период: msg_id (0, 10]") {
		t.Fatalf("ожидали период в шапке")
	}
	if !strings.Contains(doc, "итоги") || !strings.Contains(doc, "правки") {
		t.Fatalf("ожидали тело и блок изменений")
	}
}
