package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tg-digest-pipeline/internal/domain"
)

// memStore — общее in-memory хранилище для тестов конвейера и диспетчера.
type memStore struct {
	mu sync.Mutex

	channels   []domain.Channel
	recipients map[int64][]domain.Recipient

	messages map[string]domain.Message
	media    map[string]domain.MediaAsset
	mediaSeq int64
	ocr      map[int64]domain.OCRResult

	cursors map[domain.PeerKey]domain.ReportState
	lockMu  map[domain.PeerKey]bool

	digests   []domain.Digest
	digestSeq int64

	deliveries  []domain.Delivery
	deliverySeq int64

	docs map[domain.PeerKey]domain.ConsolidatedDoc
}

func newMemStore(channels ...domain.Channel) *memStore {
	return &memStore{
		channels:   channels,
		recipients: make(map[int64][]domain.Recipient),
		messages:   make(map[string]domain.Message),
		media:      make(map[string]domain.MediaAsset),
		ocr:        make(map[int64]domain.OCRResult),
		cursors:    make(map[domain.PeerKey]domain.ReportState),
		lockMu:     make(map[domain.PeerKey]bool),
		docs:       make(map[domain.PeerKey]domain.ConsolidatedDoc),
	}
}

func msgKey(peer domain.PeerKey, msgID int64) string {
	return fmt.Sprintf("%d/%s/%d/%d", peer.TenantID, peer.Type, peer.ID, msgID)
}

func (m *memStore) ListEnabledChannels(context.Context) ([]domain.Channel, error) {
	out := make([]domain.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (m *memStore) GetChannel(_ context.Context, tenantID, channelID int64) (domain.Channel, error) {
	for _, ch := range m.channels {
		if ch.TenantID == tenantID && ch.ID == channelID {
			return ch, nil
		}
	}
	return domain.Channel{}, domain.ErrNotFound
}

func (m *memStore) ListRecipients(_ context.Context, channelID int64) ([]domain.Recipient, error) {
	return m.recipients[channelID], nil
}

func (m *memStore) SaveMessage(_ context.Context, msg domain.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := msgKey(msg.Peer, msg.MsgID)
	if _, ok := m.messages[key]; ok {
		return false, nil
	}
	m.messages[key] = msg
	return true, nil
}

func (m *memStore) MessagesRange(_ context.Context, peer domain.PeerKey, from, to int64) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for id := from + 1; id <= to; id++ {
		if msg, ok := m.messages[msgKey(peer, id)]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) MaxMsgID(_ context.Context, peer domain.PeerKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, msg := range m.messages {
		if msg.Peer == peer && msg.MsgID > max {
			max = msg.MsgID
		}
	}
	return max, nil
}

func (m *memStore) RecentMessages(_ context.Context, peer domain.PeerKey, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	max := int64(0)
	for _, msg := range m.messages {
		if msg.Peer == peer && msg.MsgID > max {
			max = msg.MsgID
		}
	}
	m.mu.Unlock()
	return m.MessagesRange(context.Background(), peer, 0, max)
}

func (m *memStore) HasMedia(_ context.Context, peer domain.PeerKey, msgID int64, fileName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.media[msgKey(peer, msgID)+"/"+fileName]
	return ok, nil
}

func (m *memStore) SaveMedia(_ context.Context, asset domain.MediaAsset) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := msgKey(asset.Peer, asset.MsgID) + "/" + asset.FileName
	if existing, ok := m.media[key]; ok {
		return existing.ID, nil
	}
	m.mediaSeq++
	asset.ID = m.mediaSeq
	m.media[key] = asset
	return asset.ID, nil
}

func (m *memStore) MediaWithoutOCR(_ context.Context, peer domain.PeerKey, limit int) ([]domain.MediaAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MediaAsset
	for _, asset := range m.media {
		if asset.Peer != peer {
			continue
		}
		if _, ok := m.ocr[asset.ID]; ok {
			continue
		}
		out = append(out, asset)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) SaveOCRResult(_ context.Context, res domain.OCRResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	res.UpdatedAt = time.Now()
	m.ocr[res.MediaID] = res
	return nil
}

func (m *memStore) OCRTextRange(_ context.Context, peer domain.PeerKey, from, to int64) ([]domain.OCRResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OCRResult
	for _, res := range m.ocr {
		if res.Peer == peer && res.MsgID > from && res.MsgID <= to {
			out = append(out, res)
		}
	}
	return out, nil
}

func (m *memStore) RecentOCRTexts(_ context.Context, peer domain.PeerKey, limit int) ([]domain.OCRResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OCRResult
	for _, res := range m.ocr {
		if res.Peer == peer {
			out = append(out, res)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) OCRTextByChecksum(_ context.Context, sha256 string) (string, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range m.ocr {
		for _, asset := range m.media {
			if asset.ID == res.MediaID && asset.SHA256 == sha256 {
				return res.Text, res.Provider, true, nil
			}
		}
	}
	return "", "", false, nil
}

func (m *memStore) Cursor(_ context.Context, peer domain.PeerKey) (domain.ReportState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.cursors[peer]; ok {
		return state, nil
	}
	return domain.ReportState{Peer: peer}, nil
}

func (m *memStore) AdvanceCursor(_ context.Context, peer domain.PeerKey, newID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.cursors[peer]
	state.Peer = peer
	if newID > state.LastMsgID {
		state.LastMsgID = newID
	}
	state.LastPollAt = time.Now()
	state.UpdatedAt = time.Now()
	m.cursors[peer] = state
	return nil
}

func (m *memStore) ResetCursor(_ context.Context, peer domain.PeerKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[peer] = domain.ReportState{Peer: peer, UpdatedAt: time.Now()}
	return nil
}

func (m *memStore) AcquireRunLock(_ context.Context, peer domain.PeerKey) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockMu[peer] {
		return nil, false, nil
	}
	m.lockMu[peer] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.lockMu[peer] = false
	}, true, nil
}

func (m *memStore) SaveDigest(_ context.Context, d domain.Digest) (domain.Digest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.digests {
		if existing.Peer == d.Peer && existing.MsgIDFrom == d.MsgIDFrom && existing.MsgIDTo == d.MsgIDTo {
			return existing, false, nil
		}
	}
	m.digestSeq++
	d.ID = m.digestSeq
	d.CreatedAt = time.Now()
	m.digests = append(m.digests, d)
	return d, true, nil
}

func (m *memStore) GetDigest(_ context.Context, id int64) (domain.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.digests {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Digest{}, domain.ErrNotFound
}

func (m *memStore) ListDigests(_ context.Context, peer domain.PeerKey, limit int) ([]domain.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Digest
	for i := len(m.digests) - 1; i >= 0; i-- {
		if m.digests[i].Peer == peer {
			out = append(out, m.digests[i])
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) EnsureDelivery(_ context.Context, digestID, telegramID int64, t domain.DeliveryType) (domain.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.DigestID == digestID && d.TelegramID == telegramID && d.Type == t {
			return d, false, nil
		}
	}
	m.deliverySeq++
	d := domain.Delivery{
		ID:         m.deliverySeq,
		DigestID:   digestID,
		TelegramID: telegramID,
		Type:       t,
		Status:     domain.DeliveryPending,
		UpdatedAt:  time.Now(),
	}
	m.deliveries = append(m.deliveries, d)
	return d, true, nil
}

func (m *memStore) MarkDelivery(_ context.Context, deliveryID int64, status domain.DeliveryStatus, errDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.deliveries {
		if m.deliveries[i].ID != deliveryID {
			continue
		}
		m.deliveries[i].Status = status
		m.deliveries[i].Error = errDetail
		m.deliveries[i].Attempts++
		m.deliveries[i].UpdatedAt = time.Now()
		if status == domain.DeliverySent {
			now := time.Now()
			m.deliveries[i].SentAt = &now
		}
		return nil
	}
	return domain.ErrNotFound
}

func (m *memStore) PendingDeliveries(_ context.Context, maxAttempts, limit int) ([]domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Delivery
	for _, d := range m.deliveries {
		if d.Status != domain.DeliveryPending || d.Attempts >= maxAttempts {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListDeliveries(_ context.Context, digestID int64) ([]domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Delivery
	for _, d := range m.deliveries {
		if d.DigestID == digestID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) ConsolidatedDoc(_ context.Context, peer domain.PeerKey) (domain.ConsolidatedDoc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[peer]
	return doc, ok, nil
}

func (m *memStore) UpsertConsolidatedDoc(_ context.Context, doc domain.ConsolidatedDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.UpdatedAt = time.Now()
	m.docs[doc.Peer] = doc
	return nil
}

// stubSource отдаёт заранее заданные сообщения с msg_id больше курсора.
type stubSource struct {
	messages    []domain.Message
	attachments map[string][]byte
	fetchCalls  int
}

func (s *stubSource) FetchSince(_ context.Context, ch domain.Channel, lastMsgID int64) ([]domain.Message, error) {
	s.fetchCalls++
	var out []domain.Message
	for _, msg := range s.messages {
		if msg.MsgID > lastMsgID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *stubSource) FetchAttachment(_ context.Context, ch domain.Channel, msgID int64, ref domain.MediaRef) (domain.Attachment, error) {
	data, ok := s.attachments[ref.FileName]
	if !ok {
		return domain.Attachment{}, domain.ErrUnsupportedMedia
	}
	return domain.Attachment{Data: data, MimeType: "image/png", Size: int64(len(data))}, nil
}

// stubGenerator отвечает фиксированным текстом, либо ошибкой.
type stubGenerator struct {
	digestText   string
	digestErr    error
	consolidated      domain.ConsolidatedResult
	calls             int
	consolidatedCalls int
}

func (g *stubGenerator) GenerateDigest(_ context.Context, ch domain.Channel, rawDigest string, _ []domain.OCRResult) (domain.GenerationResult, error) {
	g.calls++
	if g.digestErr != nil {
		return domain.GenerationResult{}, g.digestErr
	}
	return domain.GenerationResult{Text: g.digestText, Model: "stub", TokensIn: 10, TokensOut: 5}, nil
}

func (g *stubGenerator) GenerateConsolidated(_ context.Context, ch domain.Channel, _ []domain.Message, _ []domain.OCRResult, previous string) (domain.ConsolidatedResult, error) {
	g.consolidatedCalls++
	return g.consolidated, nil
}

// stubQueue накапливает задачи в памяти.
type stubQueue struct {
	mu   sync.Mutex
	jobs []domain.DeliveryJob
	err  error
}

func (q *stubQueue) Enqueue(_ context.Context, job domain.DeliveryJob) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) Receive(ctx context.Context) (domain.DeliveryJob, domain.DeliveryAckFunc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return domain.DeliveryJob{}, nil, context.Canceled
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, func(bool) error { return nil }, nil
}

// brokenQueue изображает недоступный брокер и считает вызовы Receive.
type brokenQueue struct {
	mu    sync.Mutex
	calls int
}

func (q *brokenQueue) Enqueue(context.Context, domain.DeliveryJob) error {
	return errors.New("брокер недоступен")
}

func (q *brokenQueue) Receive(context.Context) (domain.DeliveryJob, domain.DeliveryAckFunc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return domain.DeliveryJob{}, nil, errors.New("брокер недоступен")
}

func (q *brokenQueue) receiveCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

// stubSender считает отправки и по желанию отклоняет их.
type stubSender struct {
	texts []string
	files []string
	fail  error
}

func (s *stubSender) SendText(_ context.Context, telegramID int64, text string) error {
	if s.fail != nil {
		return s.fail
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *stubSender) SendFile(_ context.Context, telegramID int64, fileName string, data []byte, caption string) error {
	if s.fail != nil {
		return s.fail
	}
	s.files = append(s.files, fileName)
	return nil
}

// stubProvider — OCR-провайдер с фиксированным ответом.
type stubProvider struct {
	name       string
	text       string
	confidence float64
	err        error
	calls      int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Recognize(_ context.Context, _ []byte) (string, float64, error) {
	p.calls++
	if p.err != nil {
		return "", 0, p.err
	}
	return p.text, p.confidence, nil
}
