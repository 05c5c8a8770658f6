// Package retry оборачивает сетевые вызовы экспоненциальным повтором.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do выполняет op с экспоненциальной задержкой, не более maxRetries повторов.
// Контекст отменяет ожидание между попытками. Ошибка, обёрнутая в Permanent,
// прекращает повторы немедленно.
func Do(ctx context.Context, maxRetries uint64, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
}

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
