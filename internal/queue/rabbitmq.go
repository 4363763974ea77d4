package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/config"
	"github.com/apk-analysis/apk-rgb-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 通道尚未建立或已关闭
var ErrNotConnected = errors.New("rabbitmq channel not connected")

const defaultHeartbeat = 10 * time.Second

// RabbitMQ 持有一条连接和一个 channel，断线后按指数退避重连
type RabbitMQ struct {
	cfg           config.RabbitMQConfig
	logger        *logrus.Logger
	prefetchCount int
	reconnectCfg  *retry.Config

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	closed    bool
	reconnect chan struct{}
}

// NewRabbitMQ 连接 broker 并声明持久化扫描队列
// prefetchCount 应与消费者并发数一致
func NewRabbitMQ(cfg config.RabbitMQConfig, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	mq := &RabbitMQ{
		cfg:           cfg,
		logger:        logger,
		prefetchCount: prefetchCount,
		reconnect:     make(chan struct{}, 1),
		reconnectCfg: &retry.Config{
			MaxAttempts:     10,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Strategy:        retry.StrategyExponential,
			Logger:          logger,
		},
	}
	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// URI 连接地址（用户名密码会被转义）
func (mq *RabbitMQ) URI() string {
	return amqpURI(mq.cfg)
}

func amqpURI(cfg config.RabbitMQConfig) string {
	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Vhost:    vhost,
	}.String()
}

func (mq *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(mq.URI(), amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := ch.QueueDeclare(mq.cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", mq.cfg.Queue, err)
	}

	mq.mu.Lock()
	mq.conn, mq.channel = conn, ch
	mq.mu.Unlock()

	go mq.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.cfg.Host,
		"port":           mq.cfg.Port,
		"queue":          mq.cfg.Queue,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")
	return nil
}

// watch 等待连接或 channel 关闭，非主动关闭时发出重连信号
func (mq *RabbitMQ) watch(connClosed, chanClosed <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chanClosed:
	}

	mq.mu.RLock()
	closed := mq.closed
	mq.mu.RUnlock()
	if closed {
		return
	}

	if amqpErr != nil {
		mq.logger.WithError(amqpErr).Error("RabbitMQ connection lost")
	} else {
		mq.logger.Warn("RabbitMQ connection closed")
	}
	select {
	case mq.reconnect <- struct{}{}:
	default:
	}
}

// Reconnected 断线信号
func (mq *RabbitMQ) Reconnected() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 关闭旧连接后重试建立新连接
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.dropConnection()
	return retry.Do(ctx, mq.reconnectCfg, func(ctx context.Context) error {
		mq.mu.RLock()
		closed := mq.closed
		mq.mu.RUnlock()
		if closed {
			return retry.NewNonRetryableError(ErrNotConnected)
		}
		return mq.connect()
	})
}

func (mq *RabbitMQ) dropConnection() {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布一条持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, messageID string, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(ctx, "", mq.cfg.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Consume 手动确认模式消费扫描队列
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, ErrNotConnected
	}

	msgs, err := ch.Consume(mq.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}

	q, err := ch.QueueInspect(mq.cfg.Queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// IsConnected 连接是否可用
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 主动关闭，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.dropConnection()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
