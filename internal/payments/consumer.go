// Package payments turns purchase events from the payment processor into
// credit lots.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"metered_gateway/internal/credit"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/models"
	"metered_gateway/internal/utils"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	handleTimeout        = 30 * time.Second
)

// PurchaseMessage is a completed purchase published by the payment
// processor. PaymentID is the idempotency reference of the lot.
type PurchaseMessage struct {
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	Credits   int64  `json:"credits"`
	PaidAt    string `json:"paid_at,omitempty"`
}

func (m *PurchaseMessage) validate() error {
	if strings.TrimSpace(m.PaymentID) == "" {
		return errors.New("payment_id is required")
	}
	if strings.TrimSpace(m.UserID) == "" {
		return errors.New("user_id is required")
	}
	if m.Credits <= 0 {
		return fmt.Errorf("credits must be positive, got %d", m.Credits)
	}
	return nil
}

// LotAdder is the part of the credit ledger the consumer needs.
type LotAdder interface {
	AddLot(ctx context.Context, userID string, amount int64, ref string) (*models.CreditLot, bool, error)
}

// Config configures the AMQP connection.
type Config struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

// Consumer reads purchase messages and credits the buyer. Messages are
// acked only after the lot is durable; transient failures are requeued.
type Consumer struct {
	cfg     Config
	credits LotAdder
	metrics *metrics.Metrics
	logger  *utils.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer creates a consumer. Run connects and consumes.
func NewConsumer(cfg Config, credits LotAdder, m *metrics.Metrics) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers * 2
	}
	return &Consumer{
		cfg:     cfg,
		credits: credits,
		metrics: m,
		logger:  utils.NewLogger("payments-consumer"),
	}
}

// Run consumes until ctx is cancelled, reconnecting with a linear backoff
// when the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}

		attempt++
		if attempt > maxReconnectAttempts {
			return fmt.Errorf("max reconnection attempts reached: %w", err)
		}

		delay := reconnectDelay * time.Duration(attempt)
		c.logger.Warn("RabbitMQ consumer stopped, reconnecting", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// consume runs one connection lifetime. It reports whether the connection
// was established.
func (c *Consumer) consume(ctx context.Context) (bool, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return false, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return false, fmt.Errorf("failed to start consuming: %w", err)
	}

	c.setSession(conn, ch)
	defer c.setSession(nil, nil)
	c.logger.Info("Connected to RabbitMQ", "queue", c.cfg.Queue, "workers", c.cfg.Workers)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.worker(workerCtx, msgs, workerID)
		}(i)
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	var cause error
	select {
	case <-ctx.Done():
	case amqpErr := <-connClosed:
		cause = closeCause("connection", amqpErr)
	case amqpErr := <-chanClosed:
		cause = closeCause("channel", amqpErr)
	case <-drained:
		// The broker cancelled the consumer without closing anything.
		cause = errors.New("delivery channel closed")
	}
	cancel()
	<-drained
	return true, cause
}

func closeCause(what string, amqpErr *amqp.Error) error {
	if amqpErr == nil {
		return fmt.Errorf("%s closed", what)
	}
	return fmt.Errorf("%s closed: %w", what, amqpErr)
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Debug("Message channel closed", "worker_id", workerID)
				return
			}
			c.handleMessage(ctx, msg)
		}
	}
}

// handleMessage credits one purchase and settles the delivery.
func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
	defer cancel()

	var purchase PurchaseMessage
	if err := json.Unmarshal(msg.Body, &purchase); err != nil {
		c.logger.Error("Failed to unmarshal purchase message", "error", err, "body", string(msg.Body))
		c.reject(msg)
		return
	}
	if err := purchase.validate(); err != nil {
		c.logger.Error("Invalid purchase message", "error", err, "payment_id", purchase.PaymentID)
		c.reject(msg)
		return
	}

	lot, created, err := c.credits.AddLot(ctx, purchase.UserID, purchase.Credits, purchase.PaymentID)
	switch {
	case errors.Is(err, credit.ErrReferenceConflict), errors.Is(err, credit.ErrInvalidAmount):
		c.logger.Error("Purchase rejected by credit ledger", "payment_id", purchase.PaymentID, "user_id", purchase.UserID, "error", err)
		c.reject(msg)
		return
	case err != nil:
		c.logger.Warn("Failed to credit purchase, requeueing", "payment_id", purchase.PaymentID, "error", err)
		c.metrics.PaymentMessage(metrics.PaymentResultRequeued)
		if nackErr := msg.Nack(false, true); nackErr != nil {
			c.logger.Warn("Failed to nack message", "error", nackErr)
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Warn("Failed to ack message", "error", err)
	}

	if !created {
		if lot.AmountOriginal != purchase.Credits {
			c.logger.Warn("Payment reference replayed with different contents",
				"payment_id", purchase.PaymentID, "lot_id", lot.ID, "credits", purchase.Credits, "lot_credits", lot.AmountOriginal)
		}
		c.metrics.PaymentMessage(metrics.PaymentResultDuplicate)
		c.logger.Info("Purchase already credited", "payment_id", purchase.PaymentID, "lot_id", lot.ID)
		return
	}
	c.metrics.PaymentMessage(metrics.PaymentResultCredited)
	c.logger.Info("Purchase credited", "payment_id", purchase.PaymentID, "user_id", purchase.UserID, "lot_id", lot.ID, "credits", lot.AmountOriginal)
}

func (c *Consumer) reject(msg amqp.Delivery) {
	c.metrics.PaymentMessage(metrics.PaymentResultRejected)
	if err := msg.Nack(false, false); err != nil {
		c.logger.Warn("Failed to nack message", "error", err)
	}
}

func (c *Consumer) setSession(conn *amqp.Connection, ch *amqp.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.ch = ch
}

// Connected reports whether the consumer holds an open connection and
// channel.
func (c *Consumer) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed()
}
