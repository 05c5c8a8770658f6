package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/domain"
)

func testChannel() domain.Channel {
	return domain.Channel{
		ID:       1,
		TenantID: 7,
		PeerType: domain.PeerChannel,
		PeerID:   100500,
		Title:    "Чат разработки",
		Enabled:  true,
		Delivery: domain.DeliverySettings{SendText: true, SendFile: true},
	}
}

func testMessages(ids ...int64) []domain.Message {
	ch := testChannel()
	out := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Message{
			Peer:       ch.Key(),
			MsgID:      id,
			Date:       time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
			SenderID:   42,
			SenderName: "Иван",
			Text:       "сообщение",
		})
	}
	return out
}

func newTestService(store *memStore, source domain.Source, gen domain.Generator, queue domain.DeliveryQueue) *Service {
	return NewService(Deps{
		Channels:   store,
		Messages:   store,
		Media:      store,
		OCR:        store,
		Cursors:    store,
		Digests:    store,
		Deliveries: store,
		Docs:       store,
		Source:     source,
		Generator:  gen,
		Queue:      queue,
	}, Settings{}, zerolog.Nop())
}

func TestProcessChannelCreatesDigestAndDeliveries(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	store.recipients[ch.ID] = []domain.Recipient{
		{ID: 1, ChannelID: ch.ID, TelegramID: 111, SendText: true, SendFile: true},
		{ID: 2, ChannelID: ch.ID, TelegramID: 222, SendText: true},
	}
	source := &stubSource{messages: testMessages(1201, 1202, 1241)}
	gen := &stubGenerator{digestText: "итоги дня"}
	queue := &stubQueue{}
	svc := newTestService(store, source, gen, queue)

	if err := svc.ProcessChannel(context.Background(), ch); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if len(store.digests) != 1 {
		t.Fatalf("ожидали 1 дайджест, получили %d", len(store.digests))
	}
	d := store.digests[0]
	if d.MsgIDFrom != 0 || d.MsgIDTo != 1241 {
		t.Fatalf("ожидали окно (0, 1241], получили (%d, %d]", d.MsgIDFrom, d.MsgIDTo)
	}
	if d.LLMText != "итоги дня" {
		t.Fatalf("ожидали текст генератора в дайджесте")
	}

	state, _ := store.Cursor(context.Background(), ch.Key())
	if state.LastMsgID != 1241 {
		t.Fatalf("ожидали курсор 1241, получили %d", state.LastMsgID)
	}

	// Первый получатель text+file, второй только text.
	if len(store.deliveries) != 3 {
		t.Fatalf("ожидали 3 записи доставки, получили %d", len(store.deliveries))
	}
	for _, delivery := range store.deliveries {
		if delivery.Status != domain.DeliveryPending {
			t.Fatalf("ожидали pending до первой отправки, получили %s", delivery.Status)
		}
	}
	if len(queue.jobs) != 3 {
		t.Fatalf("ожидали 3 задачи в очереди, получили %d", len(queue.jobs))
	}
}

func TestProcessChannelIdempotentIngestion(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	source := &stubSource{messages: testMessages(10, 11)}
	gen := &stubGenerator{digestText: "итоги"}
	svc := newTestService(store, source, gen, &stubQueue{})

	if err := svc.ProcessChannel(context.Background(), ch); err != nil {
		t.Fatalf("первый тик: %v", err)
	}
	if err := svc.ProcessChannel(context.Background(), ch); err != nil {
		t.Fatalf("второй тик: %v", err)
	}

	// Окно закрыто первым тиком, повтор не плодит ни строк, ни дайджестов.
	if len(store.messages) != 2 {
		t.Fatalf("ожидали 2 сообщения без дубликатов, получили %d", len(store.messages))
	}
	if len(store.digests) != 1 {
		t.Fatalf("ожидали единственный дайджест, получили %d", len(store.digests))
	}
}

func TestProcessChannelResumesWindowAfterCrash(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	// Прошлый прогон упал после записи сообщений, но до сохранения дайджеста
	// и сдвига курсора: сообщения уже в БД, курсор остался на 1200.
	for _, msg := range testMessages(1201, 1230, 1241) {
		if _, err := store.SaveMessage(context.Background(), msg); err != nil {
			t.Fatalf("подготовка: %v", err)
		}
	}
	if err := store.AdvanceCursor(context.Background(), ch.Key(), 1200); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	source := &stubSource{messages: testMessages(1201, 1230, 1241)}
	gen := &stubGenerator{digestText: "итоги"}
	svc := newTestService(store, source, gen, &stubQueue{})

	if err := svc.ProcessChannel(context.Background(), ch); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	// Все upsert'ы — дубликаты, но накопленное окно всё равно переигрывается.
	if len(store.digests) != 1 {
		t.Fatalf("ожидали дайджест окна (1200, 1241] на следующем тике после сбоя, получили %d", len(store.digests))
	}
	d := store.digests[0]
	if d.MsgIDFrom != 1200 || d.MsgIDTo != 1241 {
		t.Fatalf("ожидали окно (1200, 1241], получили (%d, %d]", d.MsgIDFrom, d.MsgIDTo)
	}
	state, _ := store.Cursor(context.Background(), ch.Key())
	if state.LastMsgID != 1241 {
		t.Fatalf("ожидали курсор 1241, получили %d", state.LastMsgID)
	}
}

func TestProcessChannelEmptyTickRecordsPoll(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	if err := store.AdvanceCursor(context.Background(), ch.Key(), 50); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	source := &stubSource{}
	svc := newTestService(store, source, &stubGenerator{digestText: "x"}, &stubQueue{})

	if err := svc.ProcessChannel(context.Background(), ch); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	state, _ := store.Cursor(context.Background(), ch.Key())
	if state.LastMsgID != 50 {
		t.Fatalf("курсор не должен двигаться на пустом тике, получили %d", state.LastMsgID)
	}
	if state.LastPollAt.IsZero() {
		t.Fatalf("ожидали отметку времени опроса")
	}
}

func TestGenerateWindowSkipsUnusableContent(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	// Сообщения без текста и без OCR: окно закрывается без дайджеста.
	empty := testMessages(5, 6)
	for i := range empty {
		empty[i].Text = "   "
	}
	for _, msg := range empty {
		if _, err := store.SaveMessage(context.Background(), msg); err != nil {
			t.Fatalf("подготовка: %v", err)
		}
	}
	gen := &stubGenerator{digestText: "x"}
	svc := newTestService(store, &stubSource{}, gen, &stubQueue{})

	digest, inserted, _, err := svc.generateWindow(context.Background(), ch, 0, 6)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if digest != nil || inserted {
		t.Fatalf("не ожидали дайджеста по окну без контента")
	}
	if gen.calls != 0 {
		t.Fatalf("генератор не должен вызываться")
	}
	state, _ := store.Cursor(context.Background(), ch.Key())
	if state.LastMsgID != 6 {
		t.Fatalf("ожидали продвижение курсора до 6, получили %d", state.LastMsgID)
	}
}

func TestGenerateWindowExactBounds(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	for _, msg := range testMessages(1200, 1201, 1230, 1241, 1242) {
		if _, err := store.SaveMessage(context.Background(), msg); err != nil {
			t.Fatalf("подготовка: %v", err)
		}
	}
	gen := &stubGenerator{digestText: "x"}
	svc := newTestService(store, &stubSource{}, gen, &stubQueue{})

	digest, inserted, _, err := svc.generateWindow(context.Background(), ch, 1200, 1241)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !inserted || digest == nil {
		t.Fatalf("ожидали новый дайджест")
	}
	// Левая граница исключается, правая включается.
	messages, _ := store.MessagesRange(context.Background(), ch.Key(), digest.MsgIDFrom, digest.MsgIDTo)
	if len(messages) != 3 {
		t.Fatalf("ожидали 3 сообщения окна (1200, 1241], получили %d", len(messages))
	}
	if messages[0].MsgID != 1201 || messages[2].MsgID != 1241 {
		t.Fatalf("границы окна нарушены: %d..%d", messages[0].MsgID, messages[2].MsgID)
	}
}

func TestGenerateWindowDuplicateDoesNotRecreateDeliveries(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	store.recipients[ch.ID] = []domain.Recipient{{ID: 1, ChannelID: ch.ID, TelegramID: 111, SendText: true}}
	for _, msg := range testMessages(1, 2, 3) {
		if _, err := store.SaveMessage(context.Background(), msg); err != nil {
			t.Fatalf("подготовка: %v", err)
		}
	}
	source := &stubSource{messages: testMessages(1, 2, 3)}
	queue := &stubQueue{}
	svc := newTestService(store, source, &stubGenerator{digestText: "x"}, queue)

	if _, inserted, _, err := svc.generateWindow(context.Background(), ch, 0, 3); err != nil || !inserted {
		t.Fatalf("первая генерация: inserted=%v err=%v", inserted, err)
	}
	// Повтор того же окна: запись уже есть, inserted=false.
	digest, inserted, _, err := svc.generateWindow(context.Background(), ch, 0, 3)
	if err != nil {
		t.Fatalf("повторная генерация: %v", err)
	}
	if inserted {
		t.Fatalf("повтор окна не должен вставлять новую запись")
	}
	if digest == nil || digest.ID != store.digests[0].ID {
		t.Fatalf("ожидали существующую запись дайджеста")
	}
	if len(store.digests) != 1 {
		t.Fatalf("ожидали единственный дайджест, получили %d", len(store.digests))
	}
}

func TestGenerateWindowSavesDigestOnLLMFailure(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	store.recipients[ch.ID] = []domain.Recipient{{ID: 1, ChannelID: ch.ID, TelegramID: 111, SendText: true}}
	source := &stubSource{messages: testMessages(7, 8)}
	queue := &stubQueue{}
	gen := &stubGenerator{digestErr: errors.New("модель недоступна")}
	svc := newTestService(store, source, gen, queue)

	if err := svc.ProcessChannel(context.Background(), ch); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	// Окно закрыто даже без LLM-текста, но доставки не ставятся.
	if len(store.digests) != 1 {
		t.Fatalf("ожидали сохранённый дайджест, получили %d", len(store.digests))
	}
	if store.digests[0].LLMText != "" {
		t.Fatalf("не ожидали LLM-текста при ошибке генерации")
	}
	if store.digests[0].RawText == "" {
		t.Fatalf("ожидали сохранённую хронику")
	}
	if len(queue.jobs) != 0 || len(store.deliveries) != 0 {
		t.Fatalf("доставки не должны ставиться без LLM-текста")
	}
	state, _ := store.Cursor(context.Background(), ch.Key())
	if state.LastMsgID != 8 {
		t.Fatalf("ожидали курсор 8, получили %d", state.LastMsgID)
	}
}

func TestRunStepSkipsWhenLockBusy(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	source := &stubSource{messages: testMessages(1)}
	svc := newTestService(store, source, &stubGenerator{digestText: "x"}, &stubQueue{})

	release, ok, err := store.AcquireRunLock(context.Background(), ch.Key())
	if err != nil || !ok {
		t.Fatalf("подготовка замка: ok=%v err=%v", ok, err)
	}
	defer release()

	if err := svc.RunStep(context.Background(), StepAll, ch); err != nil {
		t.Fatalf("занятый замок не ошибка: %v", err)
	}
	if source.fetchCalls != 0 {
		t.Fatalf("обработка не должна начинаться под чужим замком")
	}
}

func TestRunStepUnknownStep(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	svc := newTestService(store, &stubSource{}, &stubGenerator{}, &stubQueue{})
	if err := svc.RunStep(context.Background(), StepName("bogus"), ch); err == nil {
		t.Fatalf("ожидали ошибку на неизвестном шаге")
	}
}

func TestEnqueueDeliveriesRespectsModes(t *testing.T) {
	ch := testChannel()
	ch.Delivery.SendFile = false
	store := newMemStore(ch)
	store.recipients[ch.ID] = []domain.Recipient{
		{ID: 1, ChannelID: ch.ID, TelegramID: 111, SendText: true, SendFile: true},
		{ID: 2, ChannelID: ch.ID, TelegramID: 0, SendText: true},
	}
	queue := &stubQueue{}
	svc := newTestService(store, &stubSource{}, &stubGenerator{}, queue)

	d := domain.Digest{ID: 5, Peer: ch.Key(), MsgIDFrom: 0, MsgIDTo: 3, LLMText: "x"}
	if err := svc.enqueueDeliveries(context.Background(), ch, d, ""); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	// Файловая доставка выключена на канале, получатель без telegram_id пропущен.
	if len(store.deliveries) != 1 {
		t.Fatalf("ожидали 1 доставку, получили %d", len(store.deliveries))
	}
	if store.deliveries[0].Type != domain.DeliveryText {
		t.Fatalf("ожидали текстовую доставку")
	}
}

func TestEnqueueDeliveriesQueueFailureKeepsPending(t *testing.T) {
	ch := testChannel()
	store := newMemStore(ch)
	store.recipients[ch.ID] = []domain.Recipient{{ID: 1, ChannelID: ch.ID, TelegramID: 111, SendText: true}}
	queue := &stubQueue{err: errors.New("очередь недоступна")}
	svc := newTestService(store, &stubSource{}, &stubGenerator{}, queue)

	d := domain.Digest{ID: 5, Peer: ch.Key(), MsgIDFrom: 0, MsgIDTo: 3, LLMText: "x"}
	if err := svc.enqueueDeliveries(context.Background(), ch, d, ""); err != nil {
		t.Fatalf("сбой очереди не должен валить тик: %v", err)
	}

	// Запись в БД осталась pending, пересканирование её дочитает.
	if len(store.deliveries) != 1 || store.deliveries[0].Status != domain.DeliveryPending {
		t.Fatalf("ожидали pending-запись несмотря на сбой очереди")
	}
}
