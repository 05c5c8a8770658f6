package domain

import (
	"context"
	"time"
)

// ChannelRepo даёт пайплайну доступ к конфигурации каналов и получателей.
// Таблицы ведёт административный слой, здесь они только читаются.
type ChannelRepo interface {
	ListEnabledChannels(ctx context.Context) ([]Channel, error)
	GetChannel(ctx context.Context, tenantID, channelID int64) (Channel, error)
	ListRecipients(ctx context.Context, channelID int64) ([]Recipient, error)
}

// MessageRepo управляет собранными сообщениями.
type MessageRepo interface {
	// SaveMessage вставляет сообщение, если его ещё нет.
	// Дубликат не ошибка: возвращается inserted=false.
	SaveMessage(ctx context.Context, m Message) (inserted bool, err error)
	// MessagesRange возвращает сообщения окна (from, to] по возрастанию dt, msg_id.
	MessagesRange(ctx context.Context, peer PeerKey, from, to int64) ([]Message, error)
	MaxMsgID(ctx context.Context, peer PeerKey) (int64, error)
	// RecentMessages возвращает последние limit сообщений чата по возрастанию msg_id.
	RecentMessages(ctx context.Context, peer PeerKey, limit int) ([]Message, error)
}

// MediaRepo управляет вложениями.
type MediaRepo interface {
	HasMedia(ctx context.Context, peer PeerKey, msgID int64, fileName string) (bool, error)
	SaveMedia(ctx context.Context, asset MediaAsset) (int64, error)
	// MediaWithoutOCR возвращает вложения без записи OCR: их наличие и есть сигнал повтора.
	MediaWithoutOCR(ctx context.Context, peer PeerKey, limit int) ([]MediaAsset, error)
}

// OCRRepo управляет извлечённым текстом вложений.
type OCRRepo interface {
	// SaveOCRResult пишет актуальный результат, перезаписывая предыдущий.
	SaveOCRResult(ctx context.Context, res OCRResult) error
	// OCRTextRange возвращает OCR-тексты для окна (from, to] по возрастанию msg_id.
	OCRTextRange(ctx context.Context, peer PeerKey, from, to int64) ([]OCRResult, error)
	RecentOCRTexts(ctx context.Context, peer PeerKey, limit int) ([]OCRResult, error)
	// OCRTextByChecksum ищет готовый текст по хэшу содержимого (дедупликация).
	// Вторым значением возвращает имя провайдера, распознавшего текст.
	OCRTextByChecksum(ctx context.Context, sha256 string) (text, provider string, ok bool, err error)
}

// CursorRepo хранит курсоры обработки.
type CursorRepo interface {
	Cursor(ctx context.Context, peer PeerKey) (ReportState, error)
	// AdvanceCursor продвигает курсор, только если newID не меньше текущего;
	// иначе операция молча ничего не меняет.
	AdvanceCursor(ctx context.Context, peer PeerKey, newID int64) error
	// ResetCursor — отдельная административная операция переобработки.
	ResetCursor(ctx context.Context, peer PeerKey) error
	// AcquireRunLock берёт эксклюзив на обработку канала. ok=false значит,
	// что другой прогон уже держит канал, и тик следует пропустить.
	AcquireRunLock(ctx context.Context, peer PeerKey) (release func(), ok bool, err error)
}

// DigestRepo сохраняет дайджесты.
type DigestRepo interface {
	// SaveDigest пишет дайджест окна. Повторная генерация уже покрытого окна
	// возвращает существующую запись с inserted=false.
	SaveDigest(ctx context.Context, d Digest) (Digest, bool, error)
	GetDigest(ctx context.Context, id int64) (Digest, error)
	ListDigests(ctx context.Context, peer PeerKey, limit int) ([]Digest, error)
}

// DeliveryRepo ведёт записи о доставках.
type DeliveryRepo interface {
	// EnsureDelivery создаёт pending-запись до первой попытки отправки.
	// Уже существующая запись не пересоздаётся: возвращается created=false.
	EnsureDelivery(ctx context.Context, digestID, telegramID int64, t DeliveryType) (Delivery, bool, error)
	// MarkDelivery фиксирует исход попытки, увеличивая счётчик попыток.
	MarkDelivery(ctx context.Context, deliveryID int64, status DeliveryStatus, errDetail string) error
	// PendingDeliveries возвращает незавершённые доставки для повторных прогонов.
	PendingDeliveries(ctx context.Context, maxAttempts, limit int) ([]Delivery, error)
	ListDeliveries(ctx context.Context, digestID int64) ([]Delivery, error)
}

// ConsolidatedDocRepo хранит метаданные сводных документов.
type ConsolidatedDocRepo interface {
	ConsolidatedDoc(ctx context.Context, peer PeerKey) (ConsolidatedDoc, bool, error)
	UpsertConsolidatedDoc(ctx context.Context, doc ConsolidatedDoc) error
}

// Source выгружает сообщения и вложения из платформы-источника.
type Source interface {
	// FetchSince возвращает сообщения с msg_id строго больше lastMsgID
	// по возрастанию, пока источник не сообщит об исчерпании.
	FetchSince(ctx context.Context, ch Channel, lastMsgID int64) ([]Message, error)
	// FetchAttachment скачивает вложение сообщения.
	FetchAttachment(ctx context.Context, ch Channel, msgID int64, ref MediaRef) (Attachment, error)
}

// Attachment — скачанное вложение до сохранения в хранилище.
type Attachment struct {
	Data     []byte
	MimeType string
	Size     int64
}

// OCRProvider извлекает текст из изображения. Провайдеры взаимозаменяемы
// и пробуются в фиксированном порядке приоритета.
type OCRProvider interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (text string, confidence float64, err error)
}

// Generator — текстовая модель для дайджестов и сводных документов.
type Generator interface {
	GenerateDigest(ctx context.Context, ch Channel, rawDigest string, ocrTexts []OCRResult) (GenerationResult, error)
	GenerateConsolidated(ctx context.Context, ch Channel, messages []Message, ocrTexts []OCRResult, previous string) (ConsolidatedResult, error)
}

// Sender отправляет дайджесты получателям через платформу доставки.
type Sender interface {
	SendText(ctx context.Context, telegramID int64, text string) error
	SendFile(ctx context.Context, telegramID int64, fileName string, data []byte, caption string) error
}

// Publisher публикует файлы в версионируемое хранилище.
type Publisher interface {
	Publish(ctx context.Context, paths []string, message string) error
}

// Cache — простое TTL-хранилище для дедупликации и once-замков.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}
