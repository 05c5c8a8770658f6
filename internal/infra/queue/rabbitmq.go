package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-digest-pipeline/internal/domain"
	"tg-digest-pipeline/internal/infra/metrics"
)

// RabbitDeliveryQueue реализует очередь доставок через AMQP.
type RabbitDeliveryQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	messages <-chan amqp.Delivery
}

// NewRabbitDeliveryQueue подключается к брокеру и объявляет durable-очередь.
func NewRabbitDeliveryQueue(amqpURL, queue string) (*RabbitDeliveryQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	return &RabbitDeliveryQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует задачу persistent-сообщением.
func (q *RabbitDeliveryQueue) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу. Подтверждение выполняется вручную:
// ack(true) удаляет сообщение, ack(false) возвращает его в очередь.
func (q *RabbitDeliveryQueue) Receive(ctx context.Context) (domain.DeliveryJob, domain.DeliveryAckFunc, error) {
	if q.messages == nil {
		msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.DeliveryJob{}, nil, fmt.Errorf("amqp consume: %w", err)
		}
		q.messages = msgs
	}
	select {
	case <-ctx.Done():
		return domain.DeliveryJob{}, nil, ctx.Err()
	case msg, ok := <-q.messages:
		if !ok {
			return domain.DeliveryJob{}, nil, errors.New("amqp: канал доставки закрыт")
		}
		var job domain.DeliveryJob
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			_ = msg.Nack(false, false)
			return domain.DeliveryJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return msg.Ack(false)
			}
			return msg.Nack(false, true)
		}
		return job, ack, nil
	}
}

// Close закрывает канал и соединение.
func (q *RabbitDeliveryQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
