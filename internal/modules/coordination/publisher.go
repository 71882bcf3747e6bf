// README: Event publishers: RabbitMQ topic exchange, log-only and fan-out.
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// AMQPChannel is the part of *amqp.Channel the publisher uses.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type AMQPPublisher struct {
	ch       AMQPChannel
	exchange string
}

func NewAMQPPublisher(ch AMQPChannel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
}

// LogPublisher writes events to the log; used when no broker is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.log.WithFields(logrus.Fields{
		"event":    e.Type,
		"event_id": e.ID,
		"ride_id":  e.RideID,
		"status":   e.Status,
	}).Info("ride event")
	return nil
}

// FanoutPublisher hands each event to every publisher and joins their errors.
type FanoutPublisher []Publisher

func (f FanoutPublisher) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
