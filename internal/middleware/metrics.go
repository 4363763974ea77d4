package middleware

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`      // 当前分配的内存 (字节)
	Sys        uint64 `json:"sys"`        // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`     // GC 次数
	Goroutines int    `json:"goroutines"` // Goroutine 数量
}

// AllocMB 当前分配 (MB)
func (s MemoryStats) AllocMB() uint64 {
	return s.Alloc >> 20
}

// MemoryMonitor 定期采样内存，结果写入 Prometheus
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	interval time.Duration
	warnMB   uint64

	mutex    sync.RWMutex
	stats    MemoryStats
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMemoryMonitor 创建内存监控器；超过 warnMB 时打印告警
func NewMemoryMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, interval time.Duration, warnMB uint64) *MemoryMonitor {
	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		warnMB:   warnMB,
		stopChan: make(chan struct{}),
	}
}

// Start 启动内存监控
func (m *MemoryMonitor) Start() {
	go m.monitor()
}

// Stop 停止内存监控，可重复调用
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *MemoryMonitor) monitor() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample 采样一次
func (m *MemoryMonitor) Sample() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
	}
	if m.warnMB > 0 && stats.AllocMB() > m.warnMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb":   stats.AllocMB(),
			"goroutines": stats.Goroutines,
		}).Warn("High memory usage detected")
	}
	return stats
}

// GetStats 获取最近一次统计
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}
