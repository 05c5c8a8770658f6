package mtproto

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// SessionRepo хранит бинарные данные MTProto-сессии.
type SessionRepo interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// SessionStore реализует session.Storage gotd поверх БД. Сессии, выгруженные
// из Telethon, приводятся к формату gotd при первой загрузке.
type SessionStore struct {
	repo SessionRepo
	name string
	log  zerolog.Logger
}

// NewSessionStore создаёт хранилище именованной сессии.
func NewSessionStore(repo SessionRepo, name string, log zerolog.Logger) *SessionStore {
	if name == "" {
		name = "default"
	}
	return &SessionStore{repo: repo, name: name, log: log}
}

// LoadSession загружает сессию, нормализуя формат при необходимости.
func (s *SessionStore) LoadSession(ctx context.Context) ([]byte, error) {
	raw, err := s.repo.LoadMTProtoSession(ctx, s.name)
	if err != nil {
		return nil, err
	}
	normalized, converted, err := NormalizeSessionBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("сессия %q: %w", s.name, err)
	}
	if converted {
		s.log.Info().Str("session", s.name).Msg("сессия Telethon сконвертирована в формат gotd")
		if err := s.repo.StoreMTProtoSession(ctx, s.name, normalized); err != nil {
			return nil, err
		}
	}
	return normalized, nil
}

// StoreSession сохраняет сессию.
func (s *SessionStore) StoreSession(ctx context.Context, data []byte) error {
	return s.repo.StoreMTProtoSession(ctx, s.name, data)
}
