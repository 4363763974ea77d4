package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ScanMessage 队列中的扫描请求：APK 已落在共享目录，消息只携带路径
type ScanMessage struct {
	ScanID   string `json:"scan_id"`
	FileName string `json:"file_name"`
	Path     string `json:"path"`
}

// Validate 路径是必填项
func (m *ScanMessage) Validate() error {
	if m.Path == "" {
		return fmt.Errorf("scan message %q has no path", m.ScanID)
	}
	return nil
}

// Publisher 发布扫描消息的能力
type Publisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	pub    Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{pub: pub, logger: logger}
}

// Enqueue 发布扫描消息
func (p *Producer) Enqueue(ctx context.Context, msg *ScanMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.pub.Publish(ctx, msg.ScanID, body); err != nil {
		p.logger.WithError(err).WithField("scan_id", msg.ScanID).Error("Failed to publish scan")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"scan_id":   msg.ScanID,
		"file_name": msg.FileName,
	}).Info("Scan queued")
	return nil
}
