package domain

import "errors"

// ErrAuthFailed означает жёсткую ошибку авторизации у источника: канал
// пропускается до следующего тика, курсор не трогается.
var ErrAuthFailed = errors.New("авторизация у источника не удалась")

// ErrNotFound возвращается при отсутствии запрошенной записи.
var ErrNotFound = errors.New("запись не найдена")

// ErrUnsupportedMedia помечает вложение, которое пайплайн не умеет обрабатывать.
var ErrUnsupportedMedia = errors.New("неподдерживаемый тип вложения")
