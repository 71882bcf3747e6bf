// README: RabbitMQ connection with retry, reconnect on broker close and the
// ride event exchange.
package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	amqpMaxRetries   = 10
	amqpInitialDelay = time.Second
	amqpMaxDelay     = 30 * time.Second
)

// ErrBrokerUnavailable is returned by publishes while the connection is down.
var ErrBrokerUnavailable = errors.New("rabbitmq connection is not available")

type RabbitMQ struct {
	url      string
	exchange string
	log      logrus.FieldLogger

	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

// DialRabbitMQ connects with exponential backoff and declares exchange as a
// durable topic exchange. Call Watch to keep the connection alive afterwards.
func DialRabbitMQ(ctx context.Context, url, exchange string, log logrus.FieldLogger) (*RabbitMQ, error) {
	mq := &RabbitMQ{url: url, exchange: exchange, log: log}
	if err := mq.connect(ctx, amqpMaxRetries); err != nil {
		return nil, err
	}
	return mq, nil
}

// PublishWithContext publishes on the current channel.
func (mq *RabbitMQ) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	mq.mu.RLock()
	ch := mq.ch
	mq.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return ErrBrokerUnavailable
	}
	return ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// Watch redials whenever the broker closes the connection or the channel. It
// returns when ctx is done or Close is called.
func (mq *RabbitMQ) Watch(ctx context.Context) {
	for {
		mq.mu.RLock()
		conn, ch, closed := mq.conn, mq.ch, mq.closed
		mq.mu.RUnlock()
		if closed || conn == nil {
			return
		}

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
		var reason *amqp.Error
		select {
		case <-ctx.Done():
			return
		case reason = <-connClosed:
		case reason = <-chClosed:
		}
		if mq.isClosed() {
			return
		}

		entry := mq.log.WithField("exchange", mq.exchange)
		if reason != nil {
			entry = entry.WithField("error", reason.Error())
		}
		entry.Warn("rabbitmq connection lost, reconnecting")
		_ = conn.Close()
		if err := mq.connect(ctx, 0); err != nil {
			return
		}
	}
}

func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.closed = true
	if mq.ch != nil {
		_ = mq.ch.Close()
	}
	if mq.conn != nil && !mq.conn.IsClosed() {
		return mq.conn.Close()
	}
	return nil
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// connect dials until it succeeds, maxRetries attempts fail or ctx is done.
// A maxRetries of zero retries forever.
func (mq *RabbitMQ) connect(ctx context.Context, maxRetries int) error {
	delay := amqpInitialDelay
	for attempt := 1; ; attempt++ {
		conn, ch, err := dialOnce(mq.url, mq.exchange)
		if err == nil {
			mq.mu.Lock()
			if mq.closed {
				mq.mu.Unlock()
				_ = conn.Close()
				return ErrBrokerUnavailable
			}
			mq.conn, mq.ch = conn, ch
			mq.mu.Unlock()
			mq.log.WithField("attempt", attempt).Info("rabbitmq connected")
			return nil
		}
		mq.log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_retries":  maxRetries,
			"retry_in_sec": delay.Seconds(),
			"error":        err,
		}).Warn("rabbitmq connection attempt failed")
		if maxRetries > 0 && attempt == maxRetries {
			return fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = nextDelay(delay)
	}
}

func nextDelay(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * 1.5)
	if d > amqpMaxDelay {
		d = amqpMaxDelay
	}
	return d
}

func dialOnce(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}
