// Package mtproto выгружает историю чатов и вложения через MTProto (gotd).
package mtproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/infra/metrics"
	"tg-digest-pipeline/internal/infra/retry"
)

// historyRetries — число повторов для нестабильных RPC Telegram.
const historyRetries = 3

// Source реализует domain.Source через клиент gotd.
type Source struct {
	client   *telegram.Client
	pageSize int
	log      zerolog.Logger
}

// NewSource создаёт MTProto-клиент c хранилищем сессии.
func NewSource(apiID int, apiHash string, storage telegram.SessionStorage, pageSize int, log zerolog.Logger) *Source {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &Source{client: client, pageSize: pageSize, log: log}
}

// run выполняет fn внутри сессии клиента, предварительно проверяя авторизацию.
func (s *Source) run(ctx context.Context, fn func(ctx context.Context, api *tg.Client) error) error {
	return s.client.Run(ctx, func(ctx context.Context) error {
		status, err := s.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("проверка авторизации: %w", err)
		}
		if !status.Authorized {
			return domain.ErrAuthFailed
		}
		return fn(ctx, s.client.API())
	})
}

func inputPeer(ch domain.Channel) (tg.InputPeerClass, error) {
	switch ch.PeerType {
	case domain.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: ch.PeerID, AccessHash: ch.AccessHash}, nil
	case domain.PeerChat:
		return &tg.InputPeerChat{ChatID: ch.PeerID}, nil
	case domain.PeerUser:
		return &tg.InputPeerUser{UserID: ch.PeerID, AccessHash: ch.AccessHash}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип чата: %q", ch.PeerType)
	}
}

// FetchSince возвращает сообщения с msg_id строго больше lastMsgID по
// возрастанию. История читается страницами от новых к старым, min_id
// отсекает уже обработанное на стороне сервера.
func (s *Source) FetchSince(ctx context.Context, ch domain.Channel, lastMsgID int64) ([]domain.Message, error) {
	peer, err := inputPeer(ch)
	if err != nil {
		return nil, err
	}

	var collected []domain.Message
	err = s.run(ctx, func(ctx context.Context, api *tg.Client) error {
		offsetID := 0
		for {
			var history tg.MessagesMessagesClass
			err := retry.Do(ctx, historyRetries, func() error {
				start := time.Now()
				var rpcErr error
				history, rpcErr = api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
					Peer:     peer,
					OffsetID: offsetID,
					MinID:    int(lastMsgID),
					Limit:    s.pageSize,
				})
				metrics.ObserveNetworkRequest("mtproto", "messages_get_history", ch.Title, start, rpcErr)
				return rpcErr
			})
			if err != nil {
				return fmt.Errorf("messages.getHistory: %w", err)
			}

			batch, senders := extractMessages(history)
			if len(batch) == 0 {
				return nil
			}
			for _, msg := range batch {
				if int64(msg.ID) <= lastMsgID {
					return nil
				}
				collected = append(collected, convertMessage(ch.Key(), msg, senders))
				if offsetID == 0 || msg.ID < offsetID {
					offsetID = msg.ID
				}
			}
			if len(batch) < s.pageSize {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}

	// Страницы идут от новых к старым, пайплайну нужен хронологический порядок.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	s.log.Debug().Str("channel", ch.Title).Int("count", len(collected)).Int64("since", lastMsgID).Msg("история чата выгружена")
	return collected, nil
}

func extractMessages(history tg.MessagesMessagesClass) ([]*tg.Message, map[int64]string) {
	var (
		raw   []tg.MessageClass
		users []tg.UserClass
		chats []tg.ChatClass
	)
	switch h := history.(type) {
	case *tg.MessagesMessages:
		raw, users, chats = h.Messages, h.Users, h.Chats
	case *tg.MessagesMessagesSlice:
		raw, users, chats = h.Messages, h.Users, h.Chats
	case *tg.MessagesChannelMessages:
		raw, users, chats = h.Messages, h.Users, h.Chats
	default:
		return nil, nil
	}

	senders := make(map[int64]string)
	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		name := user.FirstName
		if user.LastName != "" {
			name += " " + user.LastName
		}
		if name == "" {
			name = user.Username
		}
		senders[user.ID] = name
	}
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Chat:
			senders[chat.ID] = chat.Title
		case *tg.Channel:
			senders[chat.ID] = chat.Title
		}
	}

	var messages []*tg.Message
	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, senders
}

func convertMessage(peer domain.PeerKey, msg *tg.Message, senders map[int64]string) domain.Message {
	out := domain.Message{
		Peer:  peer,
		MsgID: int64(msg.ID),
		Date:  time.Unix(int64(msg.Date), 0).UTC(),
		Text:  msg.Message,
	}
	if from, ok := msg.GetFromID(); ok {
		switch f := from.(type) {
		case *tg.PeerUser:
			out.SenderID = f.UserID
		case *tg.PeerChannel:
			out.SenderID = f.ChannelID
		case *tg.PeerChat:
			out.SenderID = f.ChatID
		}
	}
	if out.SenderID == 0 {
		out.SenderID = peer.ID
	}
	out.SenderName = senders[out.SenderID]

	if media, ok := msg.GetMedia(); ok {
		if ref, ok := mediaRef(msg.ID, media); ok {
			out.MediaRefs = append(out.MediaRefs, ref)
		}
	}
	if raw, err := json.Marshal(msg); err == nil {
		out.RawJSON = raw
	}
	return out
}

func mediaRef(msgID int, media tg.MessageMediaClass) (domain.MediaRef, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		if _, ok := m.Photo.(*tg.Photo); !ok {
			return domain.MediaRef{}, false
		}
		return domain.MediaRef{FileName: fmt.Sprintf("photo_%d.jpg", msgID), Kind: "photo"}, true
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return domain.MediaRef{}, false
		}
		name := fmt.Sprintf("doc_%d", msgID)
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok && fn.FileName != "" {
				name = fn.FileName
			}
		}
		return domain.MediaRef{FileName: name, Kind: "document"}, true
	default:
		return domain.MediaRef{}, false
	}
}

// FetchAttachment скачивает вложение сообщения. Сообщение перечитывается,
// потому что file reference у Telegram недолговечен.
func (s *Source) FetchAttachment(ctx context.Context, ch domain.Channel, msgID int64, ref domain.MediaRef) (domain.Attachment, error) {
	var attachment domain.Attachment
	err := s.run(ctx, func(ctx context.Context, api *tg.Client) error {
		media, err := s.messageMedia(ctx, api, ch, msgID)
		if err != nil {
			return err
		}
		location, mimeType, size, err := downloadLocation(media)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		err = retry.Do(ctx, historyRetries, func() error {
			buf.Reset()
			start := time.Now()
			_, dlErr := downloader.NewDownloader().Download(api, location).Stream(ctx, &buf)
			metrics.ObserveNetworkRequest("mtproto", "download_attachment", ch.Title, start, dlErr)
			return dlErr
		})
		if err != nil {
			return fmt.Errorf("скачивание %s: %w", ref.FileName, err)
		}
		attachment = domain.Attachment{Data: buf.Bytes(), MimeType: mimeType, Size: size}
		if attachment.Size == 0 {
			attachment.Size = int64(buf.Len())
		}
		return nil
	})
	if err != nil {
		return domain.Attachment{}, err
	}
	return attachment, nil
}

func (s *Source) messageMedia(ctx context.Context, api *tg.Client, ch domain.Channel, msgID int64) (tg.MessageMediaClass, error) {
	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: int(msgID)}}

	var (
		result tg.MessagesMessagesClass
		err    error
	)
	start := time.Now()
	if ch.PeerType == domain.PeerChannel {
		result, err = api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ch.PeerID, AccessHash: ch.AccessHash},
			ID:      ids,
		})
	} else {
		result, err = api.MessagesGetMessages(ctx, ids)
	}
	metrics.ObserveNetworkRequest("mtproto", "get_message", ch.Title, start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение сообщения %d: %w", msgID, err)
	}

	batch, _ := extractMessages(result)
	for _, msg := range batch {
		if int64(msg.ID) != msgID {
			continue
		}
		if media, ok := msg.GetMedia(); ok {
			return media, nil
		}
	}
	return nil, fmt.Errorf("сообщение %d: %w", msgID, domain.ErrUnsupportedMedia)
}

func downloadLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, string, int64, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, "", 0, domain.ErrUnsupportedMedia
		}
		thumb := largestThumb(photo)
		if thumb == "" {
			return nil, "", 0, domain.ErrUnsupportedMedia
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}, "image/jpeg", 0, nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, "", 0, domain.ErrUnsupportedMedia
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, doc.MimeType, doc.Size, nil
	default:
		return nil, "", 0, domain.ErrUnsupportedMedia
	}
}

func largestThumb(photo *tg.Photo) string {
	best := ""
	bestSize := -1
	for _, s := range photo.Sizes {
		switch size := s.(type) {
		case *tg.PhotoSize:
			if size.Size > bestSize {
				bestSize = size.Size
				best = size.Type
			}
		case *tg.PhotoSizeProgressive:
			total := 0
			for _, sz := range size.Sizes {
				if sz > total {
					total = sz
				}
			}
			if total > bestSize {
				bestSize = total
				best = size.Type
			}
		}
	}
	return best
}
