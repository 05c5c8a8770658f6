package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Дальше этого OCR-текст в БД не нужен.
const tesseractMaxRunes = 8000

// Tesseract распознаёт текст локальным бинарём tesseract.
type Tesseract struct {
	bin      string
	language string
	timeout  time.Duration
}

// NewTesseract создаёт локальный провайдер.
func NewTesseract(bin, language string, timeout time.Duration) *Tesseract {
	if bin == "" {
		bin = "tesseract"
	}
	if language == "" {
		language = "rus+eng"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Tesseract{bin: bin, language: language, timeout: timeout}
}

// Name возвращает имя провайдера для записи в media_text.
func (t *Tesseract) Name() string { return "tesseract" }

// Recognize прогоняет изображение через tesseract stdin -> stdout.
// Tesseract не отдаёт уверенность в этом режиме, непустой результат
// считается условно уверенным.
func (t *Tesseract) Recognize(ctx context.Context, image []byte) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.bin, "stdin", "stdout", "-l", t.language, "--psm", "6")
	cmd.Stdin = bytes.NewReader(image)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", 0, fmt.Errorf("tesseract: таймаут распознавания: %w", ctx.Err())
		}
		return "", 0, fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	text := strings.TrimSpace(strings.ReplaceAll(stdout.String(), "\r\n", "\n"))
	if text == "" {
		return "", 0, nil
	}
	runes := []rune(text)
	if len(runes) > tesseractMaxRunes {
		text = string(runes[:tesseractMaxRunes]) + "\n[...TRUNCATED...]"
	}
	return text, 0.7, nil
}

// Available проверяет, установлен ли tesseract в системе.
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath(t.bin)
	return err == nil
}
