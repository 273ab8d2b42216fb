// Package gateway connects the relay to the host messaging platform over
// AMQP 0-9-1: inbound fragment batches and delivery receipts are consumed
// from queues, outbound messages are published to an exchange.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msgrelay/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Options configures exchanges, queues and bindings.
type Options struct {
	URL string

	InboundExchange string
	InboundQueue    string
	InboundKey      string

	ReceiptExchange string
	ReceiptQueue    string
	ReceiptKey      string

	OutboundExchange string
	OutboundKey      string

	Prefetch       int
	Workers        int
	HandlerTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Prefetch <= 0 {
		o.Prefetch = 10
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 10 * time.Second
	}
}

// Gateway owns the AMQP connection.
type Gateway struct {
	opts       Options
	conn       *amqp.Connection
	dispatcher *Dispatcher
	logger     *zap.Logger

	pubMu sync.Mutex
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// Dial connects to the broker and declares the topic exchanges.
func Dial(opts Options, dispatcher *Dispatcher, logger *zap.Logger) (*Gateway, error) {
	if opts.URL == "" {
		return nil, errors.New("gateway: empty amqp url")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	for _, ex := range []string{opts.InboundExchange, opts.ReceiptExchange, opts.OutboundExchange} {
		if ex == "" {
			continue
		}
		if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange %q: %w", ex, err)
		}
	}

	return &Gateway{
		opts:       opts,
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start begins consuming the inbound and receipt queues.
func (g *Gateway) Start() error {
	if err := g.consume(g.opts.InboundExchange, g.opts.InboundQueue, g.opts.InboundKey, g.dispatcher.Inbound); err != nil {
		return fmt.Errorf("inbound consumer: %w", err)
	}
	if err := g.consume(g.opts.ReceiptExchange, g.opts.ReceiptQueue, g.opts.ReceiptKey, g.dispatcher.Receipt); err != nil {
		return fmt.Errorf("receipt consumer: %w", err)
	}
	return nil
}

func (g *Gateway) consume(exchange, queue, key string, handle func(context.Context, []byte) error) error {
	if queue == "" {
		return nil
	}
	ch, err := g.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(g.opts.Prefetch, 0, false); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if exchange != "" {
		if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return err
		}
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for i := 0; i < g.opts.Workers; i++ {
		g.wg.Add(1)
		go g.worker(q.Name, deliveries, handle)
	}
	g.logger.Info("consumer started", zap.String("queue", q.Name), zap.Int("workers", g.opts.Workers))
	return nil
}

func (g *Gateway) worker(queue string, deliveries <-chan amqp.Delivery, handle func(context.Context, []byte) error) {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), g.opts.HandlerTimeout)
			err := handle(ctx, d.Body)
			cancel()
			if err != nil {
				if errors.Is(err, ErrPoison) {
					g.logger.Warn("dropping poison message", zap.String("queue", queue), zap.Error(err))
				} else {
					g.logger.Error("handler failed, requeueing", zap.String("queue", queue), zap.Error(err))
				}
			}
			if serr := settle(d, err); serr != nil {
				g.logger.Error("failed to settle delivery", zap.String("queue", queue), zap.Error(serr))
			}
		}
	}
}

// SendText publishes a send request and returns the publishing id, which
// the platform echoes back as the receipt transport id.
func (g *Gateway) SendText(ctx context.Context, msg *model.Message) (string, error) {
	body, err := json.Marshal(SendRequest{
		MessageID: msg.ID,
		Address:   msg.Address,
		Body:      msg.Body,
		ThreadID:  msg.ThreadID,
	})
	if err != nil {
		return "", err
	}

	g.pubMu.Lock()
	defer g.pubMu.Unlock()
	ch, err := g.conn.Channel()
	if err != nil {
		return "", fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	transportID := uuid.NewString()
	err = ch.PublishWithContext(ctx, g.opts.OutboundExchange, g.opts.OutboundKey, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     transportID,
			CorrelationId: msg.ID,
			Timestamp:     time.Now(),
			Body:          body,
		})
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	g.logger.Debug("published send request", zap.String("message_id", msg.ID), zap.String("transport_id", transportID))
	return transportID, nil
}

// Close stops the consumers and closes the connection.
func (g *Gateway) Close() error {
	var err error
	g.once.Do(func() {
		close(g.done)
		g.wg.Wait()
		err = g.conn.Close()
	})
	return err
}
