package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/infra/metrics"
)

// Cursor возвращает состояние обработки чата. Отсутствие записи означает,
// что чат ещё не обрабатывался: курсор равен нулю.
func (p *Postgres) Cursor(ctx context.Context, peer domain.PeerKey) (domain.ReportState, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	state := domain.ReportState{Peer: peer}
	var lastPoll *time.Time
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT last_msg_id, last_poll_at, updated_at
FROM report_state
WHERE tenant_id = $1 AND peer_type = $2 AND peer_id = $3
`, peer.TenantID, peer.Type, peer.ID).Scan(&state.LastMsgID, &lastPoll, &state.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "report_state_get", "report_state", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ReportState{Peer: peer}, nil
	}
	if err != nil {
		return domain.ReportState{}, err
	}
	if lastPoll != nil {
		state.LastPollAt = *lastPoll
	}
	return state, nil
}

// AdvanceCursor продвигает курсор. GREATEST в предложении UPDATE гарантирует,
// что значение никогда не откатывается, даже при гонке двух прогонов.
func (p *Postgres) AdvanceCursor(ctx context.Context, peer domain.PeerKey, newID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO report_state (tenant_id, peer_type, peer_id, last_msg_id, last_poll_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (tenant_id, peer_type, peer_id) DO UPDATE SET
    last_msg_id = GREATEST(report_state.last_msg_id, EXCLUDED.last_msg_id),
    last_poll_at = now(),
    updated_at = now()
`, peer.TenantID, peer.Type, peer.ID, newID)
	metrics.ObserveNetworkRequest("postgres", "report_state_advance", "report_state", start, err)
	return err
}

// ResetCursor сбрасывает курсор в ноль для полной переобработки чата.
func (p *Postgres) ResetCursor(ctx context.Context, peer domain.PeerKey) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO report_state (tenant_id, peer_type, peer_id, last_msg_id, updated_at)
VALUES ($1, $2, $3, 0, now())
ON CONFLICT (tenant_id, peer_type, peer_id) DO UPDATE SET
    last_msg_id = 0,
    updated_at = now()
`, peer.TenantID, peer.Type, peer.ID)
	metrics.ObserveNetworkRequest("postgres", "report_state_reset", "report_state", start, err)
	return err
}

// AcquireRunLock берёт advisory-замок на чат. Замок живёт на выделенном
// соединении пула и снимается вызовом release.
func (p *Postgres) AcquireRunLock(ctx context.Context, peer domain.PeerKey) (func(), bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	key := lockKey(peer)
	var locked bool
	start := time.Now()
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked)
	metrics.ObserveNetworkRequest("postgres", "advisory_lock", "report_state", start, err)
	if err != nil {
		conn.Release()
		return nil, false, err
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		unlockCtx, cancel := p.connCtx()
		defer cancel()
		_, _ = conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, true, nil
}

// SaveDigest сохраняет дайджест окна. Повторная генерация уже покрытого окна
// возвращает существующую запись: DO UPDATE не меняет данных, а xmax = 0
// отличает вставку от конфликта.
func (p *Postgres) SaveDigest(ctx context.Context, d domain.Digest) (domain.Digest, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		saved    = domain.Digest{Peer: d.Peer}
		inserted bool
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO digests (tenant_id, peer_type, peer_id, msg_id_from, msg_id_to, digest_raw, digest_llm, llm_model, llm_tokens_in, llm_tokens_out)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tenant_id, peer_type, peer_id, msg_id_from, msg_id_to) DO UPDATE SET
    msg_id_to = digests.msg_id_to
RETURNING id, msg_id_from, msg_id_to, digest_raw, digest_llm, llm_model, llm_tokens_in, llm_tokens_out, created_at, (xmax = 0) AS inserted
`, d.Peer.TenantID, d.Peer.Type, d.Peer.ID, d.MsgIDFrom, d.MsgIDTo, d.RawText, d.LLMText, d.Model, d.TokensIn, d.TokensOut).
		Scan(&saved.ID, &saved.MsgIDFrom, &saved.MsgIDTo, &saved.RawText, &saved.LLMText, &saved.Model, &saved.TokensIn, &saved.TokensOut, &saved.CreatedAt, &inserted)
	metrics.ObserveNetworkRequest("postgres", "digests_upsert", "digests", start, err)
	if err != nil {
		return domain.Digest{}, false, err
	}
	return saved, inserted, nil
}

// GetDigest возвращает дайджест по идентификатору.
func (p *Postgres) GetDigest(ctx context.Context, id int64) (domain.Digest, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var d domain.Digest
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, tenant_id, peer_type, peer_id, msg_id_from, msg_id_to, digest_raw, digest_llm, llm_model, llm_tokens_in, llm_tokens_out, created_at
FROM digests
WHERE id = $1
`, id).Scan(&d.ID, &d.Peer.TenantID, &d.Peer.Type, &d.Peer.ID, &d.MsgIDFrom, &d.MsgIDTo, &d.RawText, &d.LLMText, &d.Model, &d.TokensIn, &d.TokensOut, &d.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "digests_get", "digests", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Digest{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Digest{}, err
	}
	return d, nil
}

// ListDigests возвращает последние дайджесты чата, новые первыми.
func (p *Postgres) ListDigests(ctx context.Context, peer domain.PeerKey, limit int) ([]domain.Digest, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, msg_id_from, msg_id_to, digest_raw, digest_llm, llm_model, llm_tokens_in, llm_tokens_out, created_at
FROM digests
WHERE tenant_id = $1 AND peer_type = $2 AND peer_id = $3
ORDER BY msg_id_to DESC
LIMIT $4
`, peer.TenantID, peer.Type, peer.ID, limit)
	metrics.ObserveNetworkRequest("postgres", "digests_list", "digests", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var digests []domain.Digest
	for rows.Next() {
		d := domain.Digest{Peer: peer}
		if err := rows.Scan(&d.ID, &d.MsgIDFrom, &d.MsgIDTo, &d.RawText, &d.LLMText, &d.Model, &d.TokensIn, &d.TokensOut, &d.CreatedAt); err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// EnsureDelivery создаёт pending-запись о доставке до первой попытки отправки.
// Существующая запись не пересоздаётся и не сбрасывается.
func (p *Postgres) EnsureDelivery(ctx context.Context, digestID, telegramID int64, t domain.DeliveryType) (domain.Delivery, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		d       domain.Delivery
		sentAt  *time.Time
		created bool
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO deliveries (digest_id, telegram_id, delivery_type, status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (digest_id, telegram_id, delivery_type) DO UPDATE SET
    delivery_type = deliveries.delivery_type
RETURNING id, digest_id, telegram_id, delivery_type, status, error, attempts, sent_at, updated_at, (xmax = 0) AS created
`, digestID, telegramID, t).
		Scan(&d.ID, &d.DigestID, &d.TelegramID, &d.Type, &d.Status, &d.Error, &d.Attempts, &sentAt, &d.UpdatedAt, &created)
	metrics.ObserveNetworkRequest("postgres", "deliveries_ensure", "deliveries", start, err)
	if err != nil {
		return domain.Delivery{}, false, err
	}
	d.SentAt = sentAt
	return d, created, nil
}

// MarkDelivery фиксирует исход попытки отправки, обновляя запись на месте.
func (p *Postgres) MarkDelivery(ctx context.Context, deliveryID int64, status domain.DeliveryStatus, errDetail string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE deliveries SET
    status = $2,
    error = $3,
    attempts = attempts + 1,
    sent_at = CASE WHEN $2 = 'sent' THEN now() ELSE sent_at END,
    updated_at = now()
WHERE id = $1
`, deliveryID, status, errDetail)
	metrics.ObserveNetworkRequest("postgres", "deliveries_mark", "deliveries", start, err)
	return err
}

// PendingDeliveries возвращает незавершённые доставки, не исчерпавшие попытки.
func (p *Postgres) PendingDeliveries(ctx context.Context, maxAttempts, limit int) ([]domain.Delivery, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, digest_id, telegram_id, delivery_type, status, error, attempts, sent_at, updated_at
FROM deliveries
WHERE status = 'pending' AND attempts < $1
ORDER BY updated_at
LIMIT $2
`, maxAttempts, limit)
	metrics.ObserveNetworkRequest("postgres", "deliveries_pending", "deliveries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// ListDeliveries возвращает все доставки дайджеста.
func (p *Postgres) ListDeliveries(ctx context.Context, digestID int64) ([]domain.Delivery, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, digest_id, telegram_id, delivery_type, status, error, attempts, sent_at, updated_at
FROM deliveries
WHERE digest_id = $1
ORDER BY id
`, digestID)
	metrics.ObserveNetworkRequest("postgres", "deliveries_list", "deliveries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows pgx.Rows) ([]domain.Delivery, error) {
	var deliveries []domain.Delivery
	for rows.Next() {
		var (
			d      domain.Delivery
			sentAt *time.Time
		)
		if err := rows.Scan(&d.ID, &d.DigestID, &d.TelegramID, &d.Type, &d.Status, &d.Error, &d.Attempts, &sentAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.SentAt = sentAt
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// ConsolidatedDoc возвращает метаданные сводного документа чата.
func (p *Postgres) ConsolidatedDoc(ctx context.Context, peer domain.PeerKey) (domain.ConsolidatedDoc, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	doc := domain.ConsolidatedDoc{Peer: peer}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT path, checksum, updated_at
FROM consolidated_docs
WHERE tenant_id = $1 AND peer_type = $2 AND peer_id = $3
`, peer.TenantID, peer.Type, peer.ID).Scan(&doc.Path, &doc.Checksum, &doc.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "consolidated_docs_get", "consolidated_docs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ConsolidatedDoc{}, false, nil
	}
	if err != nil {
		return domain.ConsolidatedDoc{}, false, err
	}
	return doc, true, nil
}

// UpsertConsolidatedDoc сохраняет метаданные сводного документа.
func (p *Postgres) UpsertConsolidatedDoc(ctx context.Context, doc domain.ConsolidatedDoc) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO consolidated_docs (tenant_id, peer_type, peer_id, path, checksum, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (tenant_id, peer_type, peer_id) DO UPDATE SET
    path = EXCLUDED.path,
    checksum = EXCLUDED.checksum,
    updated_at = now()
`, doc.Peer.TenantID, doc.Peer.Type, doc.Peer.ID, doc.Path, doc.Checksum)
	metrics.ObserveNetworkRequest("postgres", "consolidated_docs_upsert", "consolidated_docs", start, err)
	return err
}
