package domain

import "time"

// PeerType различает виды отслеживаемых чатов Telegram.
type PeerType string

const (
	// PeerChannel — канал или супергруппа.
	PeerChannel PeerType = "channel"
	// PeerChat — обычная группа.
	PeerChat PeerType = "chat"
	// PeerUser — личная переписка.
	PeerUser PeerType = "user"
)

// PeerKey однозначно определяет отслеживаемый чат внутри тенанта.
type PeerKey struct {
	TenantID int64
	Type     PeerType
	ID       int64
}

// Channel описывает отслеживаемый чат и его настройки из административного слоя.
// Пайплайн читает конфигурацию канала, но никогда её не меняет.
type Channel struct {
	ID                  int64
	TenantID            int64
	PeerType            PeerType
	PeerID              int64
	AccessHash          int64
	Title               string
	Enabled             bool
	PromptTemplate      string
	ConsolidatedDocPath string
	Delivery            DeliverySettings
	CreatedAt           time.Time
}

// Key возвращает ключ чата для курсоров и выборок.
func (c Channel) Key() PeerKey {
	return PeerKey{TenantID: c.TenantID, Type: c.PeerType, ID: c.PeerID}
}

// DeliverySettings задаёт режим рассылки дайджестов по каналу.
type DeliverySettings struct {
	Importance   string
	SendText     bool
	SendFile     bool
	TextMaxChars int
	SummaryOnly  bool
}

// Recipient описывает получателя дайджестов канала.
type Recipient struct {
	ID         int64
	ChannelID  int64
	TelegramID int64
	Name       string
	SendText   bool
	SendFile   bool
}

// Message представляет собранное сообщение чата. Записи неизменяемы,
// уникальность обеспечивается парой (чат, msg_id).
type Message struct {
	Peer       PeerKey
	MsgID      int64
	Date       time.Time
	SenderID   int64
	SenderName string
	Text       string
	RawJSON    []byte
	MediaRefs  []MediaRef
}

// MediaRef ссылается на вложение сообщения до его загрузки.
type MediaRef struct {
	FileName string
	Kind     string
}

// MediaAsset описывает загруженное вложение сообщения.
type MediaAsset struct {
	ID        int64
	Peer      PeerKey
	MsgID     int64
	FileName  string
	Kind      string
	MimeType  string
	SizeBytes int64
	SHA256    string
	Data      []byte
	LocalPath string
	CreatedAt time.Time
}

// OCRResult хранит извлечённый из вложения текст. На одно вложение
// существует не более одной актуальной записи: повторный прогон перезаписывает.
type OCRResult struct {
	MediaID    int64
	Peer       PeerKey
	MsgID      int64
	Text       string
	Provider   string
	Confidence float64
	UpdatedAt  time.Time
}

// ReportState — курсор обработки канала: последний полностью обработанный msg_id.
// Значение монотонно не убывает; сброс выполняется только явной операцией.
type ReportState struct {
	Peer       PeerKey
	LastMsgID  int64
	LastPollAt time.Time
	UpdatedAt  time.Time
}

// Digest — результат одной генерации по окну (msg_id_from, msg_id_to].
// Границы окон одного канала никогда не пересекаются.
type Digest struct {
	ID        int64
	Peer      PeerKey
	MsgIDFrom int64
	MsgIDTo   int64
	RawText   string
	LLMText   string
	Model     string
	TokensIn  int
	TokensOut int
	CreatedAt time.Time
}

// DeliveryType различает способы отправки дайджеста.
type DeliveryType string

const (
	// DeliveryText — отправка текстом в чат.
	DeliveryText DeliveryType = "text"
	// DeliveryFile — отправка файлом-документом.
	DeliveryFile DeliveryType = "file"
)

// DeliveryStatus описывает состояние доставки.
type DeliveryStatus string

const (
	// DeliveryPending — запись создана, отправка ещё не подтверждена.
	DeliveryPending DeliveryStatus = "pending"
	// DeliverySent — доставка подтверждена платформой.
	DeliverySent DeliveryStatus = "sent"
	// DeliveryFailed — отправка завершилась ошибкой.
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery — запись о доставке одного дайджеста одному получателю одним способом.
// Создаётся до первой попытки отправки, обновляется на месте и никогда не удаляется.
type Delivery struct {
	ID         int64
	DigestID   int64
	TelegramID int64
	Type       DeliveryType
	Status     DeliveryStatus
	Error      string
	Attempts   int
	SentAt     *time.Time
	UpdatedAt  time.Time
}

// ConsolidatedDoc — метаданные сводного документа канала.
type ConsolidatedDoc struct {
	Peer      PeerKey
	Path      string
	Checksum  string
	UpdatedAt time.Time
}

// GenerationResult — ответ текстовой модели вместе с учётом токенов.
type GenerationResult struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// ConsolidatedResult — обновлённый сводный документ и краткое описание изменений.
type ConsolidatedResult struct {
	Content        string
	ChangesSummary string
	Model          string
	TokensIn       int
	TokensOut      int
}
