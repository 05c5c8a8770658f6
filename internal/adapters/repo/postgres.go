package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ChannelRepo         = (*Postgres)(nil)
	_ domain.MessageRepo         = (*Postgres)(nil)
	_ domain.MediaRepo           = (*Postgres)(nil)
	_ domain.OCRRepo             = (*Postgres)(nil)
	_ domain.CursorRepo          = (*Postgres)(nil)
	_ domain.DigestRepo          = (*Postgres)(nil)
	_ domain.DeliveryRepo        = (*Postgres)(nil)
	_ domain.ConsolidatedDocRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// ListEnabledChannels возвращает все активные каналы.
func (p *Postgres) ListEnabledChannels(ctx context.Context) ([]domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, tenant_id, peer_type, peer_id, access_hash, title, enabled, prompt_template,
       consolidated_doc_path, delivery_importance, delivery_send_text, delivery_send_file,
       delivery_text_max_chars, delivery_summary_only, created_at
FROM channels
WHERE enabled
ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "channels_list", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// GetChannel возвращает канал тенанта по идентификатору.
func (p *Postgres) GetChannel(ctx context.Context, tenantID, channelID int64) (domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, tenant_id, peer_type, peer_id, access_hash, title, enabled, prompt_template,
       consolidated_doc_path, delivery_importance, delivery_send_text, delivery_send_file,
       delivery_text_max_chars, delivery_summary_only, created_at
FROM channels
WHERE tenant_id = $1 AND id = $2
`, tenantID, channelID)
	ch, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "channels_get", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Channel{}, err
	}
	return ch, nil
}

func scanChannel(row pgx.Row) (domain.Channel, error) {
	var ch domain.Channel
	err := row.Scan(&ch.ID, &ch.TenantID, &ch.PeerType, &ch.PeerID, &ch.AccessHash, &ch.Title,
		&ch.Enabled, &ch.PromptTemplate, &ch.ConsolidatedDocPath,
		&ch.Delivery.Importance, &ch.Delivery.SendText, &ch.Delivery.SendFile,
		&ch.Delivery.TextMaxChars, &ch.Delivery.SummaryOnly, &ch.CreatedAt)
	return ch, err
}

// ListRecipients возвращает получателей канала.
func (p *Postgres) ListRecipients(ctx context.Context, channelID int64) ([]domain.Recipient, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, channel_id, telegram_id, name, send_text, send_file
FROM recipients
WHERE channel_id = $1
ORDER BY id
`, channelID)
	metrics.ObserveNetworkRequest("postgres", "recipients_list", "recipients", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.TelegramID, &r.Name, &r.SendText, &r.SendFile); err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// SaveMessage вставляет сообщение. Дубликат по (чат, msg_id) не ошибка.
func (p *Postgres) SaveMessage(ctx context.Context, m domain.Message) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var mediaRefs []byte
	if len(m.MediaRefs) > 0 {
		data, err := json.Marshal(m.MediaRefs)
		if err != nil {
			return false, err
		}
		mediaRefs = data
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO messages (tenant_id, peer_type, peer_id, msg_id, dt, sender_id, sender_name, text, raw_json, media_refs)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tenant_id, peer_type, peer_id, msg_id) DO NOTHING
`, m.Peer.TenantID, m.Peer.Type, m.Peer.ID, m.MsgID, m.Date, m.SenderID, m.SenderName, m.Text, m.RawJSON, mediaRefs)
	metrics.ObserveNetworkRequest("postgres", "messages_insert", "messages", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MessagesRange возвращает сообщения окна (from, to] по возрастанию dt, msg_id.
func (p *Postgres) MessagesRange(ctx context.Context, peer domain.PeerKey, from, to int64) ([]domain.Message, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT msg_id, dt, sender_id, sender_name, text, media_refs
FROM messages
WHERE tenant_id = $1 AND peer_type = $2 AND peer_id = $3 AND msg_id > $4 AND msg_id <= $5
ORDER BY dt, msg_id
`, peer.TenantID, peer.Type, peer.ID, from, to)
	metrics.ObserveNetworkRequest("postgres", "messages_range", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows, peer, false)
}

// MaxMsgID возвращает наибольший сохранённый msg_id чата, 0 если сообщений нет.
func (p *Postgres) MaxMsgID(ctx context.Context, peer domain.PeerKey) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var maxID int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT COALESCE(MAX(msg_id), 0)
FROM messages
WHERE tenant_id = $1 AND peer_type = $2 AND peer_id = $3
`, peer.TenantID, peer.Type, peer.ID).Scan(&maxID)
	metrics.ObserveNetworkRequest("postgres", "messages_max_id", "messages", start, err)
	return maxID, err
}

// RecentMessages возвращает последние limit сообщений чата по возрастанию msg_id.
func (p *Postgres) RecentMessages(ctx context.Context, peer domain.PeerKey, limit int) ([]domain.Message, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT msg_id, dt, sender_id, sender_name, text, media_refs
FROM messages
WHERE tenant_id = $1 AND peer_type = $2 AND peer_id = $3
ORDER BY msg_id DESC
LIMIT $4
`, peer.TenantID, peer.Type, peer.ID, limit)
	metrics.ObserveNetworkRequest("postgres", "messages_recent", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows, peer, true)
}

func scanMessages(rows pgx.Rows, peer domain.PeerKey, reverse bool) ([]domain.Message, error) {
	var messages []domain.Message
	for rows.Next() {
		m := domain.Message{Peer: peer}
		var mediaRefs []byte
		if err := rows.Scan(&m.MsgID, &m.Date, &m.SenderID, &m.SenderName, &m.Text, &mediaRefs); err != nil {
			return nil, err
		}
		if len(mediaRefs) > 0 {
			if err := json.Unmarshal(mediaRefs, &m.MediaRefs); err != nil {
				return nil, err
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// HasMedia проверяет, скачано ли вложение.
func (p *Postgres) HasMedia(ctx context.Context, peer domain.PeerKey, msgID int64, fileName string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM media
    WHERE tenant_id = $1 AND peer_type = $2 AND peer_id = $3 AND msg_id = $4 AND file_name = $5
)
`, peer.TenantID, peer.Type, peer.ID, msgID, fileName).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "media_exists", "media", start, err)
	return exists, err
}

// SaveMedia сохраняет вложение и возвращает его идентификатор.
// Повторное сохранение того же файла обновляет содержимое.
func (p *Postgres) SaveMedia(ctx context.Context, asset domain.MediaAsset) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var id int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO media (tenant_id, peer_type, peer_id, msg_id, file_name, media_type, mime_type, size_bytes, sha256, file_data, local_path)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (tenant_id, peer_type, peer_id, msg_id, file_name) DO UPDATE SET
    media_type = EXCLUDED.media_type,
    mime_type = EXCLUDED.mime_type,
    size_bytes = EXCLUDED.size_bytes,
    sha256 = EXCLUDED.sha256,
    file_data = EXCLUDED.file_data,
    local_path = EXCLUDED.local_path
RETURNING id
`, asset.Peer.TenantID, asset.Peer.Type, asset.Peer.ID, asset.MsgID, asset.FileName,
		asset.Kind, asset.MimeType, asset.SizeBytes, asset.SHA256, asset.Data, asset.LocalPath).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "media_upsert", "media", start, err)
	return id, err
}

// MediaWithoutOCR возвращает вложения чата без записи распознанного текста.
func (p *Postgres) MediaWithoutOCR(ctx context.Context, peer domain.PeerKey, limit int) ([]domain.MediaAsset, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT m.id, m.msg_id, m.file_name, m.media_type, m.mime_type, m.size_bytes, m.sha256, m.file_data, m.local_path, m.created_at
FROM media m
LEFT JOIN media_text t ON t.media_id = m.id
WHERE m.tenant_id = $1 AND m.peer_type = $2 AND m.peer_id = $3 AND t.id IS NULL
ORDER BY m.msg_id
LIMIT $4
`, peer.TenantID, peer.Type, peer.ID, limit)
	metrics.ObserveNetworkRequest("postgres", "media_without_ocr", "media", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []domain.MediaAsset
	for rows.Next() {
		a := domain.MediaAsset{Peer: peer}
		if err := rows.Scan(&a.ID, &a.MsgID, &a.FileName, &a.Kind, &a.MimeType, &a.SizeBytes, &a.SHA256, &a.Data, &a.LocalPath, &a.CreatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// SaveOCRResult пишет актуальный результат распознавания, перезаписывая предыдущий.
func (p *Postgres) SaveOCRResult(ctx context.Context, res domain.OCRResult) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO media_text (media_id, tenant_id, peer_type, peer_id, msg_id, ocr_text, ocr_provider, ocr_confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (media_id) DO UPDATE SET
    ocr_text = EXCLUDED.ocr_text,
    ocr_provider = EXCLUDED.ocr_provider,
    ocr_confidence = EXCLUDED.ocr_confidence,
    updated_at = now()
`, res.MediaID, res.Peer.TenantID, res.Peer.Type, res.Peer.ID, res.MsgID, res.Text, res.Provider, res.Confidence)
	metrics.ObserveNetworkRequest("postgres", "media_text_upsert", "media_text", start, err)
	return err
}

// OCRTextRange возвращает распознанные тексты окна (from, to] по возрастанию msg_id.
func (p *Postgres) OCRTextRange(ctx context.Context, peer domain.PeerKey, from, to int64) ([]domain.OCRResult, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT media_id, msg_id, ocr_text, ocr_provider, ocr_confidence, updated_at
FROM media_text
WHERE tenant_id = $1 AND peer_type = $2 AND peer_id = $3 AND msg_id > $4 AND msg_id <= $5
ORDER BY msg_id
`, peer.TenantID, peer.Type, peer.ID, from, to)
	metrics.ObserveNetworkRequest("postgres", "media_text_range", "media_text", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOCRResults(rows, peer, false)
}

// RecentOCRTexts возвращает последние limit распознанных текстов чата.
func (p *Postgres) RecentOCRTexts(ctx context.Context, peer domain.PeerKey, limit int) ([]domain.OCRResult, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT media_id, msg_id, ocr_text, ocr_provider, ocr_confidence, updated_at
FROM media_text
WHERE tenant_id = $1 AND peer_type = $2 AND peer_id = $3
ORDER BY msg_id DESC
LIMIT $4
`, peer.TenantID, peer.Type, peer.ID, limit)
	metrics.ObserveNetworkRequest("postgres", "media_text_recent", "media_text", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOCRResults(rows, peer, true)
}

func scanOCRResults(rows pgx.Rows, peer domain.PeerKey, reverse bool) ([]domain.OCRResult, error) {
	var results []domain.OCRResult
	for rows.Next() {
		r := domain.OCRResult{Peer: peer}
		if err := rows.Scan(&r.MediaID, &r.MsgID, &r.Text, &r.Provider, &r.Confidence, &r.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
			results[i], results[j] = results[j], results[i]
		}
	}
	return results, nil
}

// OCRTextByChecksum ищет готовый текст по хэшу содержимого файла вместе с
// именем провайдера, который его распознал.
func (p *Postgres) OCRTextByChecksum(ctx context.Context, sha256 string) (string, string, bool, error) {
	if sha256 == "" {
		return "", "", false, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var text, provider string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT t.ocr_text, t.ocr_provider
FROM media_text t
JOIN media m ON m.id = t.media_id
WHERE m.sha256 = $1
ORDER BY t.updated_at DESC
LIMIT 1
`, sha256).Scan(&text, &provider)
	metrics.ObserveNetworkRequest("postgres", "media_text_by_checksum", "media_text", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return text, provider, true, nil
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}

// lockKey сводит ключ чата к 64-битному ключу advisory-замка.
func lockKey(peer domain.PeerKey) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s/%d", peer.TenantID, peer.Type, peer.ID)
	return int64(h.Sum64())
}
