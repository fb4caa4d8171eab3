// AngelaMos | 2026
// amqp.go

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

const (
	defaultDialTimeout  = 2 * time.Second
	defaultRedialPause  = 5 * time.Second
	amqpHeartbeat       = 10 * time.Second
	publishRetryBackoff = 100 * time.Millisecond
)

var ErrBrokerUnavailable = errors.New("event broker unavailable")

// AMQPPublisher writes events as persistent JSON messages to a durable
// queue. The connection is opened lazily and reopened after failures. After
// a failed dial, publishes fail fast until redialPause has passed.
type AMQPPublisher struct {
	url   string
	queue string

	dialTimeout time.Duration
	redialPause time.Duration

	// lock is a one-slot semaphore so waiters can give up on ctx.
	lock        chan struct{}
	conn        *amqp.Connection
	ch          *amqp.Channel
	downUntil   time.Time
	lastDialErr error
}

func NewAMQPPublisher(url, queue string) *AMQPPublisher {
	return &AMQPPublisher{
		url:         url,
		queue:       queue,
		dialTimeout: defaultDialTimeout,
		redialPause: defaultRedialPause,
		lock:        make(chan struct{}, 1),
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
		Body:         body,
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(publishRetryBackoff))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := p.publish(ctx, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrBrokerUnavailable),
			errors.Is(err, context.DeadlineExceeded),
			errors.Is(err, context.Canceled):
			return err
		default:
			return retry.RetryableError(err)
		}
	})
}

func (p *AMQPPublisher) acquire(ctx context.Context) error {
	select {
	case p.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AMQPPublisher) release() {
	<-p.lock
}

func (p *AMQPPublisher) publish(ctx context.Context, msg amqp.Publishing) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	if err := p.connectLocked(); err != nil {
		return err
	}

	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		p.resetLocked()
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}

func (p *AMQPPublisher) connectLocked() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.resetLocked()

	if time.Now().Before(p.downUntil) {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, p.lastDialErr)
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Dial:      amqp.DefaultDial(p.dialTimeout),
		Heartbeat: amqpHeartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		p.downUntil = time.Now().Add(p.redialPause)
		p.lastDialErr = err
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close() //nolint:errcheck // cleanup on channel failure
		return fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()   //nolint:errcheck // cleanup on declare failure
		_ = conn.Close() //nolint:errcheck // cleanup on declare failure
		return fmt.Errorf("declare queue %s: %w", p.queue, err)
	}

	p.conn = conn
	p.ch = ch
	p.downUntil = time.Time{}
	return nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close() //nolint:errcheck // channel may already be closed
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close() //nolint:errcheck // connection may already be closed
		p.conn = nil
	}
}

// Ping opens the broker connection if needed so readiness reflects broker
// reachability.
func (p *AMQPPublisher) Ping(ctx context.Context) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	return p.connectLocked()
}

func (p *AMQPPublisher) Close() error {
	p.lock <- struct{}{}
	defer p.release()
	p.resetLocked()
	return nil
}
