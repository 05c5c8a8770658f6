// Package generator строит тексты дайджестов и сводных документов через LLM.
package generator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tg-digest-pipeline/internal/domain"
	openai "tg-digest-pipeline/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI реализует генератор через OpenAI Chat Completions.
type OpenAI struct {
	client      chatClient
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

// NewOpenAI создаёт генератор.
func NewOpenAI(client chatClient, model string, maxTokens int, temperature float64, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAI{client: client, model: model, maxTokens: maxTokens, temperature: temperature, timeout: timeout}
}

const defaultDigestPrompt = `Ты редактор дайджестов телеграм-чата. По хронике сообщений подготовь
структурированный дайджест на русском языке: темы обсуждений, принятые решения,
открытые вопросы, договорённости. Сохраняй факты, не выдумывай новое.`

const consolidatedPrompt = `Ты ведёшь сводный документ знаний по телеграм-чату. Тебе дан текущий
документ и новые сообщения. Обнови документ: встрой новую информацию в нужные
разделы, убери устаревшее, сохрани структуру. Верни сначала полный обновлённый
документ, затем строку "===CHANGES===" и краткое описание изменений.`

const changesMarker = "===CHANGES==="

// GenerateDigest строит текст дайджеста по сырой хронике окна.
func (g *OpenAI) GenerateDigest(ctx context.Context, ch domain.Channel, rawDigest string, ocrTexts []domain.OCRResult) (domain.GenerationResult, error) {
	system := strings.TrimSpace(ch.PromptTemplate)
	if system == "" {
		system = defaultDigestPrompt
	}
	var sb strings.Builder
	sb.WriteString("Хроника сообщений:\n")
	sb.WriteString(rawDigest)
	if len(ocrTexts) > 0 {
		sb.WriteString("\n\nТекст с изображений (OCR):\n")
		for _, o := range ocrTexts {
			fmt.Fprintf(&sb, "- msg_id=%d: %s\n", o.MsgID, strings.TrimSpace(o.Text))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: system},
			{Role: openai.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("генерация дайджеста: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.GenerationResult{}, fmt.Errorf("генерация дайджеста: пустой ответ")
	}
	res := domain.GenerationResult{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model: g.model,
	}
	if resp.Usage != nil {
		res.TokensIn = resp.Usage.PromptTokens
		res.TokensOut = resp.Usage.CompletionTokens
	}
	return res, nil
}

// GenerateConsolidated обновляет сводный документ канала новыми сообщениями.
func (g *OpenAI) GenerateConsolidated(ctx context.Context, ch domain.Channel, messages []domain.Message, ocrTexts []domain.OCRResult, previous string) (domain.ConsolidatedResult, error) {
	var sb strings.Builder
	sb.WriteString("Текущий документ:\n")
	if strings.TrimSpace(previous) == "" {
		sb.WriteString("(документ ещё не создан, начни с чистого листа)\n")
	} else {
		sb.WriteString(previous)
		sb.WriteString("\n")
	}
	sb.WriteString("\nНовые сообщения:\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "- **%s** `msg_id=%d` **%s**: %s\n",
			m.Date.Format("2006-01-02 15:04"), m.MsgID, senderLabel(m), strings.TrimSpace(m.Text))
	}
	if len(ocrTexts) > 0 {
		sb.WriteString("\nТекст с изображений (OCR):\n")
		for _, o := range ocrTexts {
			fmt.Fprintf(&sb, "- msg_id=%d: %s\n", o.MsgID, strings.TrimSpace(o.Text))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: consolidatedPrompt},
			{Role: openai.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return domain.ConsolidatedResult{}, fmt.Errorf("обновление сводного документа: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.ConsolidatedResult{}, fmt.Errorf("обновление сводного документа: пустой ответ")
	}
	content, changes := splitChanges(resp.Choices[0].Message.Content)
	res := domain.ConsolidatedResult{
		Content:        content,
		ChangesSummary: changes,
		Model:          g.model,
	}
	if resp.Usage != nil {
		res.TokensIn = resp.Usage.PromptTokens
		res.TokensOut = resp.Usage.CompletionTokens
	}
	return res, nil
}

func senderLabel(m domain.Message) string {
	name := strings.TrimSpace(m.SenderName)
	if name != "" {
		return name
	}
	if m.SenderID != 0 {
		return fmt.Sprintf("id%d", m.SenderID)
	}
	return "неизвестный"
}

func splitChanges(content string) (doc, changes string) {
	idx := strings.Index(content, changesMarker)
	if idx < 0 {
		return strings.TrimSpace(content), ""
	}
	doc = strings.TrimSpace(content[:idx])
	changes = strings.TrimSpace(content[idx+len(changesMarker):])
	return doc, changes
}
