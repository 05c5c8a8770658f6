package domain

import (
	"context"
	"time"
)

// DeliveryJob — задача на отправку одной доставки. Ставится в очередь после
// фиксации дайджеста; повторные попытки идут по расписанию диспетчера,
// отдельному от тика сбора.
type DeliveryJob struct {
	ID         string       `json:"job_id"`
	DeliveryID int64        `json:"delivery_id"`
	DigestID   int64        `json:"digest_id"`
	TenantID   int64        `json:"tenant_id"`
	ChannelID  int64        `json:"channel_id"`
	TelegramID int64        `json:"telegram_id"`
	Type       DeliveryType `json:"type"`
	// ChangesSummary — краткое описание изменений сводного документа,
	// добавляется к тексту дайджеста при доставке.
	ChangesSummary string    `json:"changes_summary,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// DeliveryAckFunc подтверждает обработку задачи или возвращает её в очередь.
type DeliveryAckFunc func(success bool) error

// DeliveryQueue — очередь задач доставки.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, job DeliveryJob) error
	Receive(ctx context.Context) (DeliveryJob, DeliveryAckFunc, error)
}
