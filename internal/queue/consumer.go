package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/service"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler 处理一条扫描消息
type Handler func(ctx context.Context, msg *ScanMessage) error

// ScanHandler 把消息交给扫描服务
func ScanHandler(svc service.ScanService) Handler {
	return func(ctx context.Context, msg *ScanMessage) error {
		opts := []service.PathOption{service.WithSource(service.SourceQueue)}
		if msg.ScanID != "" {
			opts = append(opts, service.WithScanID(msg.ScanID))
		}
		_, err := svc.ScanPath(ctx, msg.Path, opts...)
		return err
	}
}

// ackAction 消息的确认方式
type ackAction int

const (
	actionAck     ackAction = iota
	actionRequeue           // 可能是暂时性故障，重新入队一次
	actionDiscard           // 重试也不会成功
)

func (a ackAction) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionRequeue:
		return "requeue"
	default:
		return "discard"
	}
}

// decide 根据处理结果决定确认方式
// 文件本身的问题直接丢弃；其他错误只重新入队一次，避免毒消息无限循环
func decide(err error, redelivered bool) ackAction {
	if err == nil {
		return actionAck
	}
	if errors.Is(err, fs.ErrNotExist) {
		return actionDiscard
	}
	var scanErr *service.ScanError
	if errors.As(err, &scanErr) && scanErr.Result.FailureType.IsClientFault() {
		return actionDiscard
	}
	if redelivered {
		return actionDiscard
	}
	return actionRequeue
}

// Source 消费端依赖的 broker 能力
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
	Reconnected() <-chan struct{}
	Reconnect(ctx context.Context) error
}

// Consumer 消息消费者
type Consumer struct {
	src     Source
	handler Handler
	workers int
	logger  *logrus.Logger

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	workerWg   sync.WaitGroup
	active     atomic.Int32
	processed  atomic.Int64
}

// NewConsumer 创建消费者
func NewConsumer(src Source, handler Handler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		src:     src,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 启动 worker 和重连监听
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	msgs, err := c.src.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Delivery channel closed")
				return
			}
			c.active.Add(1)
			c.processMessage(ctx, id, delivery)
			c.active.Add(-1)
		}
	}
}

// processMessage 处理单条消息并按结果确认
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	start := time.Now()

	var msg ScanMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal scan message")
		c.settle(delivery, actionDiscard)
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.WithError(err).Error("Invalid scan message")
		c.settle(delivery, actionDiscard)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"scan_id":   msg.ScanID,
		"path":      msg.Path,
	})
	log.Info("Processing scan message")

	err := c.handler(ctx, &msg)
	action := decide(err, delivery.Redelivered)
	c.settle(delivery, action)
	c.processed.Add(1)

	if err != nil {
		log.WithError(err).WithField("action", action.String()).Warn("Scan message failed")
		return
	}
	log.WithField("duration", time.Since(start).Seconds()).Info("Scan message completed")
}

func (c *Consumer) settle(delivery amqp.Delivery, action ackAction) {
	var err error
	switch action {
	case actionAck:
		err = delivery.Ack(false)
	case actionRequeue:
		err = delivery.Nack(false, true)
	default:
		err = delivery.Nack(false, false)
	}
	if err != nil {
		c.logger.WithError(err).Error("Failed to settle delivery")
	}
}

// handleReconnect 断线后停掉 worker，重连成功再重新消费
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.src.Reconnected():
			c.logger.Warn("Connection lost, reconnecting consumer")
			c.stopWorkers()

			if err := c.src.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	c.workerWg.Wait()
}

// Stop 停止消费者，等待处理中的消息完成
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// ActiveWorkers 正在处理消息的 worker 数
func (c *Consumer) ActiveWorkers() int {
	return int(c.active.Load())
}

// Processed 已处理的消息数
func (c *Consumer) Processed() int64 {
	return c.processed.Load()
}

// IsRunning 是否正在消费
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
