// Package httpapi — служебный API состояния пайплайна: курсоры, дайджесты,
// доставки и сводные документы. Всё только для чтения, кроме явного сброса
// курсора для переобработки.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/domain"
	infrahttp "tg-digest-pipeline/internal/infra/http"
)

// Handler обслуживает маршруты /api.
type Handler struct {
	channels domain.ChannelRepo
	cursors  domain.CursorRepo
	digests  domain.DigestRepo
	delivers domain.DeliveryRepo
	docs     domain.ConsolidatedDocRepo
	log      zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(channels domain.ChannelRepo, cursors domain.CursorRepo, digests domain.DigestRepo,
	delivers domain.DeliveryRepo, docs domain.ConsolidatedDocRepo, log zerolog.Logger) *Handler {
	return &Handler{channels: channels, cursors: cursors, digests: digests, delivers: delivers, docs: docs, log: log}
}

// Mount регистрирует маршруты.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/channels", h.listChannels)
		r.Get("/channels/{tenantID}/{channelID}/cursor", h.getCursor)
		r.Post("/channels/{tenantID}/{channelID}/cursor/reset", h.resetCursor)
		r.Get("/channels/{tenantID}/{channelID}/digests", h.listDigests)
		r.Get("/channels/{tenantID}/{channelID}/doc", h.getDoc)
		r.Get("/digests/{digestID}/deliveries", h.listDeliveries)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("сериализация ответа")
	}
}

func (h *Handler) channelFromURL(r *http.Request) (domain.Channel, error) {
	tenantID, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	if err != nil {
		return domain.Channel{}, errors.New("некорректный tenantID")
	}
	channelID, err := strconv.ParseInt(chi.URLParam(r, "channelID"), 10, 64)
	if err != nil {
		return domain.Channel{}, errors.New("некорректный channelID")
	}
	return h.channels.GetChannel(r.Context(), tenantID, channelID)
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.ListEnabledChannels(r.Context())
	if err != nil {
		infrahttp.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	type channelView struct {
		ID       int64  `json:"id"`
		TenantID int64  `json:"tenant_id"`
		PeerType string `json:"peer_type"`
		PeerID   int64  `json:"peer_id"`
		Title    string `json:"title"`
	}
	out := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelView{
			ID:       ch.ID,
			TenantID: ch.TenantID,
			PeerType: string(ch.PeerType),
			PeerID:   ch.PeerID,
			Title:    ch.Title,
		})
	}
	h.writeJSON(w, out)
}

func (h *Handler) getCursor(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channelFromURL(r)
	if err != nil {
		infrahttp.WriteError(w, statusFor(err), err)
		return
	}
	state, err := h.cursors.Cursor(r.Context(), ch.Key())
	if err != nil {
		infrahttp.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, map[string]any{
		"last_msg_id":  state.LastMsgID,
		"last_poll_at": state.LastPollAt,
		"updated_at":   state.UpdatedAt,
	})
}

func (h *Handler) resetCursor(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channelFromURL(r)
	if err != nil {
		infrahttp.WriteError(w, statusFor(err), err)
		return
	}
	if err := h.cursors.ResetCursor(r.Context(), ch.Key()); err != nil {
		infrahttp.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	h.log.Warn().Str("channel", ch.Title).Msg("курсор сброшен через API")
	h.writeJSON(w, map[string]string{"status": "reset"})
}

func (h *Handler) listDigests(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channelFromURL(r)
	if err != nil {
		infrahttp.WriteError(w, statusFor(err), err)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	digests, err := h.digests.ListDigests(r.Context(), ch.Key(), limit)
	if err != nil {
		infrahttp.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	type digestView struct {
		ID        int64  `json:"id"`
		MsgIDFrom int64  `json:"msg_id_from"`
		MsgIDTo   int64  `json:"msg_id_to"`
		Model     string `json:"model,omitempty"`
		TokensIn  int    `json:"tokens_in"`
		TokensOut int    `json:"tokens_out"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]digestView, 0, len(digests))
	for _, d := range digests {
		out = append(out, digestView{
			ID:        d.ID,
			MsgIDFrom: d.MsgIDFrom,
			MsgIDTo:   d.MsgIDTo,
			Model:     d.Model,
			TokensIn:  d.TokensIn,
			TokensOut: d.TokensOut,
			CreatedAt: d.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	h.writeJSON(w, out)
}

func (h *Handler) getDoc(w http.ResponseWriter, r *http.Request) {
	ch, err := h.channelFromURL(r)
	if err != nil {
		infrahttp.WriteError(w, statusFor(err), err)
		return
	}
	doc, exists, err := h.docs.ConsolidatedDoc(r.Context(), ch.Key())
	if err != nil {
		infrahttp.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	if !exists {
		infrahttp.WriteError(w, http.StatusNotFound, domain.ErrNotFound)
		return
	}
	h.writeJSON(w, map[string]any{
		"path":       doc.Path,
		"checksum":   doc.Checksum,
		"updated_at": doc.UpdatedAt,
	})
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	digestID, err := strconv.ParseInt(chi.URLParam(r, "digestID"), 10, 64)
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, errors.New("некорректный digestID"))
		return
	}
	deliveries, err := h.delivers.ListDeliveries(r.Context(), digestID)
	if err != nil {
		infrahttp.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	type deliveryView struct {
		ID         int64  `json:"id"`
		TelegramID int64  `json:"telegram_id"`
		Type       string `json:"type"`
		Status     string `json:"status"`
		Error      string `json:"error,omitempty"`
		Attempts   int    `json:"attempts"`
		SentAt     any    `json:"sent_at,omitempty"`
	}
	out := make([]deliveryView, 0, len(deliveries))
	for _, d := range deliveries {
		view := deliveryView{
			ID:         d.ID,
			TelegramID: d.TelegramID,
			Type:       string(d.Type),
			Status:     string(d.Status),
			Error:      d.Error,
			Attempts:   d.Attempts,
		}
		if d.SentAt != nil {
			view.SentAt = d.SentAt
		}
		out = append(out, view)
	}
	h.writeJSON(w, out)
}

func statusFor(err error) int {
	if errors.Is(err, domain.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
