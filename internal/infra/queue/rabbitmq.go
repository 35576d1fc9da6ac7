package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/metrics"
)

// RabbitSlotQueue реализует очередь слотов поверх AMQP.
type RabbitSlotQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitSlotQueue подключается к RabbitMQ и объявляет durable-очередь.
func NewRabbitSlotQueue(amqpURL, queue string) (*RabbitSlotQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitSlotQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitSlotQueue) Enqueue(ctx context.Context, job domain.SlotJob) error {
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

// Receive блокирующе читает задачу из очереди. Подтверждение доставки
// выполняется через возвращаемый ack: успех — Ack, неуспех — Nack с requeue.
func (q *RabbitSlotQueue) Receive(ctx context.Context) (domain.SlotJob, domain.SlotAckFunc, error) {
	deliveries, err := q.consume()
	if err != nil {
		return domain.SlotJob{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.SlotJob{}, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return domain.SlotJob{}, nil, errors.New("rabbitmq queue: consume channel closed")
		}
		var job domain.SlotJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			// Нечитаемое сообщение не возвращаем в очередь.
			_ = d.Nack(false, false)
			return domain.SlotJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}
		return job, ack, nil
	}
}

// Close закрывает канал и соединение.
func (q *RabbitSlotQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return fmt.Errorf("close channel: %w", err)
	}
	return q.conn.Close()
}

func (q *RabbitSlotQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("start consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}
