package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"risk-backend/pkg/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

func connectToRabbitMQ(url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			slog.Info("connected to rabbitmq")
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	slog.Error("failed to connect to rabbitmq", "attempts", MaxConnectRetry, "error", err)
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", MaxConnectRetry, err)
}

type RabbitMQPublisher struct {
	connLock   sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	url        string
	destructor sync.Once
}

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	var err error
	p.conn, err = connectToRabbitMQ(p.url)
	if err != nil {
		return err
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		p.conn.Close() // Close connection if channel fails
		slog.Error("failed to open rabbitmq channel", "error", err)
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	for _, tier := range Tiers {
		_, err := p.channel.QueueDeclare(tier.QueueName(), true, false, false, false, nil)
		if err != nil {
			p.conn.Close()
			return fmt.Errorf("failed to declare rabbitmq queue %s: %w", tier.QueueName(), err)
		}
	}

	slog.Info("rabbitmq channel opened and queues declared")

	// Handle reconnects in background
	go p.handleReconnect()

	return nil
}

func (p *RabbitMQPublisher) handleReconnect() {
	notifyClose := make(chan *amqp.Error)
	p.channel.NotifyClose(notifyClose)

	err, ok := <-notifyClose
	if !ok { // channel is just closed on graceful close
		slog.Info("rabbitmq connection closed", "error", err)
		return
	}

	slog.Warn("rabbitmq connection closed, attempting to reconnect", "error", err)

	p.connLock.Lock() // This is to ensure that the connection is not used while we are reconnecting
	defer p.connLock.Unlock()

	p.channel = nil
	p.conn = nil
	for {
		if p.connect() == nil {
			slog.Info("successfully reconnected to rabbitmq")
			return
		}
		time.Sleep(RetryDelay * 10)
	}
}

func (p *RabbitMQPublisher) PublishJobTask(ctx context.Context, tier Tier, payload models.JobTaskPayload) error {
	p.connLock.RLock()
	defer p.connLock.RUnlock()

	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal job task payload", "tier", tier, "error", err)
		return fmt.Errorf("failed to marshal job task payload: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		"",               // exchange (default)
		tier.QueueName(), // routing key (queue name)
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent, // Make message persistent
			Body:         body,
		})
	if err != nil {
		slog.Error("failed to publish job task, potential connection issue", "tier", tier, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", tier.QueueName(), err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() {
	p.destructor.Do(func() {
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

type RabbitMQTask struct {
	d    amqp.Delivery
	tier Tier
}

func (t *RabbitMQTask) Tier() Tier {
	return t.tier
}

func (t *RabbitMQTask) Payload() []byte {
	return t.d.Body
}

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

func (t *RabbitMQTask) Nack() error {
	// Requeue so another worker picks the entry up; rabbitmq redelivers
	// unacknowledged entries on connection loss as well, which is what gives
	// the queue its at-least-once behavior.
	return t.d.Nack(false, true)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

type RabbitMQReceiver struct {
	tasks map[Tier]chan Task
	url   string
	stop  chan struct{}

	connLock sync.RWMutex
	conn     *amqp.Connection
	channel  *amqp.Channel
}

func NewRabbitMQReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	c := &RabbitMQReceiver{
		tasks: make(map[Tier]chan Task),
		url:   rabbitMQURL,
		stop:  make(chan struct{}),
	}
	for _, tier := range Tiers {
		c.tasks[tier] = make(chan Task)
	}

	if err := c.receiveTasks(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RabbitMQReceiver) consume(tier Tier, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		task := &RabbitMQTask{d: d, tier: tier}
		select {
		case c.tasks[tier] <- task:
		case <-c.stop:
			return
		}
	}
}

func (c *RabbitMQReceiver) receiveTasks() error {
	conn, err := connectToRabbitMQ(c.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		slog.Error("failed to open rabbitmq channel", "error", err)
		conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	// Qos 1 keeps one undelivered entry in flight per consumer so a slow
	// worker does not hoard queue entries it has not started.
	if err := channel.Qos(1, 0, false); err != nil {
		slog.Error("failed to set channel qos", "error", err)
		conn.Close()
		return fmt.Errorf("failed to set channel qos: %w", err)
	}

	for _, tier := range Tiers {
		queue := tier.QueueName()
		if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			slog.Error("failed to declare rabbitmq queue", "queue", queue, "error", err)
			conn.Close()
			return fmt.Errorf("failed to declare rabbitmq queue %s: %w", queue, err)
		}

		msgs, err := channel.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			slog.Error("failed to consume from rabbitmq queue", "queue", queue, "error", err)
			conn.Close()
			return fmt.Errorf("failed to consume from rabbitmq queue %s: %w", queue, err)
		}

		go c.consume(tier, msgs)
	}

	c.connLock.Lock()
	c.conn = conn
	c.channel = channel
	c.connLock.Unlock()

	go c.handleReconnect(conn, channel)

	return nil
}

func (c *RabbitMQReceiver) handleReconnect(conn *amqp.Connection, channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error)
	channel.NotifyClose(notifyClose)

	select {
	case err, ok := <-notifyClose:
		if !ok { // channel is just closed on graceful close
			slog.Info("rabbitmq connection closed", "error", err)
			return
		}

		slog.Warn("rabbitmq connection closed, attempting to reconnect", "error", err)

		for {
			if c.receiveTasks() == nil {
				slog.Info("successfully restarted rabbitmq consumer")
				return
			}
			time.Sleep(RetryDelay * 10)
		}
	case <-c.stop:
		slog.Info("stopping rabbitmq consumer")
		if err := conn.Close(); err != nil {
			slog.Error("error closing rabbitmq conn", "error", err)
		}
		return
	}
}

func (c *RabbitMQReceiver) Tasks(tier Tier) <-chan Task {
	return c.tasks[tier]
}

func (c *RabbitMQReceiver) Ping(ctx context.Context) error {
	c.connLock.RLock()
	defer c.connLock.RUnlock()

	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

func (c *RabbitMQReceiver) QueueDepths(ctx context.Context) (map[Tier]int, error) {
	c.connLock.RLock()
	defer c.connLock.RUnlock()

	if c.channel == nil || c.channel.IsClosed() {
		return nil, fmt.Errorf("rabbitmq connection is closed")
	}

	depths := make(map[Tier]int, len(Tiers))
	for _, tier := range Tiers {
		q, err := c.channel.QueueDeclarePassive(tier.QueueName(), true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect queue %s: %w", tier.QueueName(), err)
		}
		depths[tier] = q.Messages
	}
	return depths, nil
}

func (c *RabbitMQReceiver) Close() {
	close(c.stop)
}
