package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tg-digest-pipeline/internal/infra/metrics"
)

const yandexVisionURL = "https://vision.api.cloud.yandex.net/vision/v1/batchAnalyze"

// Yandex распознаёт текст через Yandex Vision API.
type Yandex struct {
	http     *http.Client
	apiKey   string
	folderID string
}

// NewYandex создаёт провайдер Yandex Vision.
func NewYandex(apiKey, folderID string, timeout time.Duration) *Yandex {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Yandex{
		http:     &http.Client{Timeout: timeout},
		apiKey:   apiKey,
		folderID: folderID,
	}
}

// Name возвращает имя провайдера для записи в media_text.
func (y *Yandex) Name() string { return "yandex" }

type yandexRequest struct {
	FolderID     string              `json:"folderId"`
	AnalyzeSpecs []yandexAnalyzeSpec `json:"analyzeSpecs"`
}

type yandexAnalyzeSpec struct {
	Content  string          `json:"content"`
	Features []yandexFeature `json:"features"`
}

type yandexFeature struct {
	Type string `json:"type"`
}

type yandexResponse struct {
	Results []struct {
		Results []struct {
			TextDetection struct {
				Pages []struct {
					Blocks []struct {
						Lines []struct {
							Words []struct {
								Text       string  `json:"text"`
								Confidence float64 `json:"confidence"`
							} `json:"words"`
						} `json:"lines"`
					} `json:"blocks"`
				} `json:"pages"`
			} `json:"textDetection"`
		} `json:"results"`
	} `json:"results"`
}

// Recognize отправляет изображение в Yandex Vision. Уверенность считается
// средней по распознанным словам.
func (y *Yandex) Recognize(ctx context.Context, image []byte) (string, float64, error) {
	if y.apiKey == "" || y.folderID == "" {
		return "", 0, fmt.Errorf("yandex vision: api key или folder id не заданы")
	}

	payload, err := json.Marshal(yandexRequest{
		FolderID: y.folderID,
		AnalyzeSpecs: []yandexAnalyzeSpec{{
			Content:  base64.StdEncoding.EncodeToString(image),
			Features: []yandexFeature{{Type: "TEXT_DETECTION"}},
		}},
	})
	if err != nil {
		return "", 0, fmt.Errorf("yandex vision: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yandexVisionURL, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("yandex vision: build request: %w", err)
	}
	req.Header.Set("Authorization", "Api-Key "+y.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := y.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("yandex_vision", "batch_analyze", "yandex", start, err)
		return "", 0, fmt.Errorf("yandex vision: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("yandex_vision", "batch_analyze", "yandex", start, err)
		return "", 0, fmt.Errorf("yandex vision: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("yandex vision: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		metrics.ObserveNetworkRequest("yandex_vision", "batch_analyze", "yandex", start, err)
		return "", 0, err
	}

	var parsed yandexResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.ObserveNetworkRequest("yandex_vision", "batch_analyze", "yandex", start, err)
		return "", 0, fmt.Errorf("yandex vision: decode response: %w", err)
	}
	metrics.ObserveNetworkRequest("yandex_vision", "batch_analyze", "yandex", start, nil)

	var (
		lines         []string
		confidenceSum float64
		words         int
	)
	for _, outer := range parsed.Results {
		for _, inner := range outer.Results {
			for _, page := range inner.TextDetection.Pages {
				for _, block := range page.Blocks {
					for _, line := range block.Lines {
						parts := make([]string, 0, len(line.Words))
						for _, w := range line.Words {
							if w.Text == "" {
								continue
							}
							parts = append(parts, w.Text)
							confidenceSum += w.Confidence
							words++
						}
						if len(parts) > 0 {
							lines = append(lines, strings.Join(parts, " "))
						}
					}
				}
			}
		}
	}
	if len(lines) == 0 {
		return "", 0, nil
	}
	confidence := 0.0
	if words > 0 {
		confidence = confidenceSum / float64(words)
	}
	return strings.Join(lines, "\n"), confidence, nil
}
