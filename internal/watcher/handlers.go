package watcher

import (
	"context"
	"path/filepath"

	"github.com/apk-analysis/apk-rgb-go/internal/queue"
	"github.com/apk-analysis/apk-rgb-go/internal/service"
	"github.com/google/uuid"
)

// Enqueuer 把扫描请求投递到消息队列
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *queue.ScanMessage) error
}

// ScanDirect 在本进程内直接扫描
func ScanDirect(svc service.ScanService) FileHandler {
	return func(ctx context.Context, path string) error {
		_, err := svc.ScanPath(ctx, path, service.WithSource(service.SourceWatcher))
		return err
	}
}

// EnqueueScan 投递到队列，由消费者异步扫描
func EnqueueScan(q Enqueuer) FileHandler {
	return func(ctx context.Context, path string) error {
		return q.Enqueue(ctx, &queue.ScanMessage{
			ScanID:   uuid.New().String(),
			FileName: filepath.Base(path),
			Path:     path,
		})
	}
}
