// Package ocr содержит провайдеры распознавания текста на изображениях.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tg-digest-pipeline/internal/infra/metrics"
)

const (
	ocrSpaceURL = "https://api.ocr.space/parse/image"
	// Лимит бесплатного тарифа OCR.space.
	ocrSpaceMaxBytes = 1024 * 1024
)

// Space распознаёт текст через OCR.space API.
type Space struct {
	http     *http.Client
	apiKey   string
	language string
}

// NewSpace создаёт провайдер OCR.space.
func NewSpace(apiKey, language string, timeout time.Duration) *Space {
	if language == "" {
		language = "rus"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Space{
		http:     &http.Client{Timeout: timeout},
		apiKey:   apiKey,
		language: language,
	}
}

// Name возвращает имя провайдера для записи в media_text.
func (s *Space) Name() string { return "ocrspace" }

type ocrSpaceResponse struct {
	ParsedResults []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
	IsErroredOnProcessing bool `json:"IsErroredOnProcessing"`
	ErrorMessage          any  `json:"ErrorMessage"`
}

// Recognize отправляет изображение в OCR.space. API не сообщает точность,
// поэтому непустой результат считается уверенным.
func (s *Space) Recognize(ctx context.Context, image []byte) (string, float64, error) {
	if s.apiKey == "" {
		return "", 0, fmt.Errorf("ocrspace: api key не задан")
	}
	if len(image) > ocrSpaceMaxBytes {
		return "", 0, fmt.Errorf("ocrspace: файл %d байт превышает лимит 1 MB", len(image))
	}

	form := url.Values{}
	form.Set("apikey", s.apiKey)
	form.Set("base64Image", "data:"+detectMime(image)+";base64,"+base64.StdEncoding.EncodeToString(image))
	form.Set("language", s.language)
	form.Set("isOverlayRequired", "false")
	// Движок 2 лучше распознаёт кириллицу.
	form.Set("OCREngine", "2")
	form.Set("detectOrientation", "true")
	form.Set("scale", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ocrSpaceURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("ocrspace: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("ocrspace", "parse_image", "ocrspace", start, err)
		return "", 0, fmt.Errorf("ocrspace: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("ocrspace", "parse_image", "ocrspace", start, err)
		return "", 0, fmt.Errorf("ocrspace: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("ocrspace: unexpected status %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("ocrspace", "parse_image", "ocrspace", start, err)
		return "", 0, err
	}

	var parsed ocrSpaceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.ObserveNetworkRequest("ocrspace", "parse_image", "ocrspace", start, err)
		return "", 0, fmt.Errorf("ocrspace: decode response: %w", err)
	}
	if parsed.IsErroredOnProcessing {
		err = fmt.Errorf("ocrspace: %s", formatAPIError(parsed.ErrorMessage))
		metrics.ObserveNetworkRequest("ocrspace", "parse_image", "ocrspace", start, err)
		return "", 0, err
	}
	metrics.ObserveNetworkRequest("ocrspace", "parse_image", "ocrspace", start, nil)

	var sb strings.Builder
	for _, r := range parsed.ParsedResults {
		text := strings.TrimSpace(r.ParsedText)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	}
	text := sb.String()
	if text == "" {
		return "", 0, nil
	}
	return text, 0.9, nil
}

func detectMime(image []byte) string {
	if bytes.HasPrefix(image, []byte("\x89PNG")) {
		return "image/png"
	}
	return "image/jpeg"
}

func formatAPIError(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "ошибка обработки"
}
