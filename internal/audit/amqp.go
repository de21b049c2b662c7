package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"actionbridge/internal/domain"
)

// AMQPConfig describes where audit entries are published.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	// Queue, when set, is declared and bound so entries are kept even before
	// a consumer attaches.
	Queue string
}

// publisher is the part of *amqp.Channel the sink uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes each entry as a persistent JSON message.
type AMQPSink struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         publisher
	exchange   string
	routingKey string
}

func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "actionbridge.audit"
	}
	key := cfg.RoutingKey
	if key == "" {
		key = "execution"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if cfg.Queue != "" {
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
		}
		if err := ch.QueueBind(cfg.Queue, key, exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
		}
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange, routingKey: key}, nil
}

func (s *AMQPSink) Record(ctx context.Context, e domain.AuditEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return errors.New("rabbitmq sink is closed")
	}
	return s.ch.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
		Type:         "audit.execution",
		Body:         body,
	})
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// publishTimeout bounds a single publish when the caller's context has none.
const publishTimeout = 5 * time.Second

// Async decouples a slow sink from the turn that produced the entry. Entries
// are dropped, with a count, when the buffer is full.
type Async struct {
	sink    domain.AuditSink
	entries chan domain.AuditEntry
	done    chan struct{}
	onError func(error)

	mu      sync.Mutex
	dropped int
}

func NewAsync(sink domain.AuditSink, buffer int, onError func(error)) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		sink:    sink,
		entries: make(chan domain.AuditEntry, buffer),
		done:    make(chan struct{}),
		onError: onError,
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.entries {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := a.sink.Record(ctx, e); err != nil && a.onError != nil {
			a.onError(err)
		}
		cancel()
	}
}

func (a *Async) Record(_ context.Context, e domain.AuditEntry) error {
	select {
	case a.entries <- e:
		return nil
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		return errors.New("audit buffer full, entry dropped")
	}
}

func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close drains buffered entries. Record must not be called afterwards.
func (a *Async) Close() error {
	close(a.entries)
	<-a.done
	return nil
}
