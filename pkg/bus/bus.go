// Package bus is the RabbitMQ-backed job queue for chunk embedding. The
// topology is one durable direct exchange, a durable work queue, and a
// companion dead-letter queue for jobs that exhaust their retries.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lectern-ai/lectern/pkg/domain"
	"github.com/lectern-ai/lectern/pkg/log"
)

// Topology names the exchange, queues, and routing key.
type Topology struct {
	Exchange   string
	Queue      string
	DLQ        string
	RoutingKey string
}

type Bus struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	topology Topology
	logger   *slog.Logger
}

// Connect dials the broker and declares the topology.
func Connect(url string, topology Topology) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: connect rabbitmq: %v", domain.ErrExternalService, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", domain.ErrExternalService, err)
	}

	b := &Bus{conn: conn, channel: ch, topology: topology, logger: log.WithComponent("bus")}
	if err := b.declare(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) declare() error {
	t := b.topology
	if err := b.channel.ExchangeDeclare(t.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange: %v", domain.ErrQueue, err)
	}
	if _, err := b.channel.QueueDeclare(t.DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare dead-letter queue: %v", domain.ErrQueue, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DLQ,
	}
	if _, err := b.channel.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("%w: declare queue: %v", domain.ErrQueue, err)
	}
	if err := b.channel.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind queue: %v", domain.ErrQueue, err)
	}
	return nil
}

func (b *Bus) Close() error {
	if b.channel != nil {
		_ = b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Health reports whether the connection is still open.
func (b *Bus) Health(_ context.Context) error {
	if b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("%w: rabbitmq connection closed", domain.ErrExternalService)
	}
	return nil
}

// PublishChunk publishes one persistent chunk job.
func (b *Bus) PublishChunk(ctx context.Context, job domain.ChunkJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: encode chunk job: %v", domain.ErrInternal, err)
	}
	err = b.channel.PublishWithContext(ctx,
		b.topology.Exchange, b.topology.RoutingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("%w: publish chunk %d of %s: %v", domain.ErrQueue, job.ChunkIndex, job.DocumentID, err)
	}
	return nil
}

// Delivery is one received chunk job with its acknowledgment handles.
type Delivery struct {
	Job         domain.ChunkJob
	Redelivered bool

	ack  func() error
	nack func() error
}

// NewDelivery wraps a decoded job with its acknowledgment callbacks. The
// consumer loop builds these; tests build them directly.
func NewDelivery(job domain.ChunkJob, redelivered bool, ack, reject func() error) Delivery {
	return Delivery{Job: job, Redelivered: redelivered, ack: ack, nack: reject}
}

// Ack confirms successful processing.
func (d *Delivery) Ack() error { return d.ack() }

// Reject negatively acknowledges without requeue, routing the job to the
// dead-letter queue.
func (d *Delivery) Reject() error { return d.nack() }

// Consume delivers chunk jobs on the returned channel with the given
// prefetch bound until ctx is canceled. Malformed payloads are rejected to
// the DLQ without surfacing.
func (b *Bus) Consume(ctx context.Context, prefetch int) (<-chan Delivery, error) {
	if err := b.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("%w: set prefetch: %v", domain.ErrQueue, err)
	}
	deliveries, err := b.channel.Consume(b.topology.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: start consumer: %v", domain.ErrQueue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-deliveries:
				if !ok {
					b.logger.Warn("delivery channel closed")
					return
				}
				var job domain.ChunkJob
				if err := json.Unmarshal(msg.Body, &job); err != nil {
					b.logger.Error("malformed chunk job", "error", err)
					_ = msg.Nack(false, false)
					continue
				}
				d := Delivery{
					Job:         job,
					Redelivered: msg.Redelivered,
					ack:         func() error { return msg.Ack(false) },
					nack:        func() error { return msg.Nack(false, false) },
				}
				select {
				case out <- d:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// NotifyClose relays broker-side connection loss so the worker process can
// exit and let its supervisor restart it.
func (b *Bus) NotifyClose() <-chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Redrive moves up to limit messages from the dead-letter queue back onto
// the work queue. Operator tooling, not part of the hot path.
func (b *Bus) Redrive(ctx context.Context, limit int) (int, error) {
	moved := 0
	for moved < limit {
		msg, ok, err := b.channel.Get(b.topology.DLQ, false)
		if err != nil {
			return moved, fmt.Errorf("%w: get from dead-letter queue: %v", domain.ErrQueue, err)
		}
		if !ok {
			break
		}
		err = b.channel.PublishWithContext(ctx,
			b.topology.Exchange, b.topology.RoutingKey, false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         msg.Body,
			})
		if err != nil {
			_ = msg.Nack(false, true)
			return moved, fmt.Errorf("%w: republish dead-lettered job: %v", domain.ErrQueue, err)
		}
		if err := msg.Ack(false); err != nil {
			return moved, fmt.Errorf("%w: ack dead-lettered job: %v", domain.ErrQueue, err)
		}
		moved++
	}
	if moved > 0 {
		b.logger.Info("redrove dead-lettered jobs", "count", moved)
	}
	return moved, nil
}
