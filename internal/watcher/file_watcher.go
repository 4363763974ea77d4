package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 处理一个已经写完的文件
type FileHandler func(ctx context.Context, filePath string) error

// Options 监控参数
type Options struct {
	Pattern      string        // 文件匹配模式，例如 *.apk
	Debounce     time.Duration // 同一文件连续事件的合并窗口
	PollInterval time.Duration // 判断写入完成时两次 stat 的间隔
	ReadyChecks  int           // 最多 stat 几轮
	ScanExisting bool          // 启动时处理目录里已有的文件
}

func (o *Options) applyDefaults() {
	if o.Pattern == "" {
		o.Pattern = "*.apk"
	}
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ReadyChecks <= 0 {
		o.ReadyChecks = 10
	}
}

// FileWatcher 监控收件目录，新 APK 写完后交给 handler
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	opts     Options
	handler  FileHandler
	logger   *logrus.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewFileWatcher 创建文件监控器，目录不存在时自动创建
func NewFileWatcher(watchDir string, opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	opts.applyDefaults()
	if _, err := filepath.Match(opts.Pattern, "probe.apk"); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", opts.Pattern, err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(watchDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   opts.Pattern,
	}).Info("File watcher created")

	return &FileWatcher{
		watcher:    w,
		watchDir:   watchDir,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]struct{}),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.opts.ScanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	go fw.eventLoop(ctx)
	fw.logger.Info("File watcher started")
	return nil
}

func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.matchPattern(filepath.Base(event.Name)) {
				continue
			}
			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  event.Name,
			}).Debug("File event detected")
			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：窗口内的重复事件只触发一次处理
func (fw *FileWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, ok := fw.timers[path]; ok {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(fw.opts.Debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		fw.mu.Unlock()

		fw.wg.Add(1)
		defer fw.wg.Done()
		fw.handleFile(ctx, path)
	})
}

func (fw *FileWatcher) handleFile(ctx context.Context, path string) {
	fw.mu.Lock()
	if _, busy := fw.processing[path]; busy {
		fw.mu.Unlock()
		fw.logger.WithField("file", path).Debug("File is already being processed")
		return
	}
	fw.processing[path] = struct{}{}
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, path)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Warn("File not ready")
		return
	}

	log := fw.logger.WithField("file", path)
	log.Info("Processing file")
	if err := fw.handler(ctx, path); err != nil {
		log.WithError(err).Error("Failed to process file")
		return
	}
	log.Info("File processed")
}

// waitForFileReady 两次 stat 大小一致且非空视为写入完成
func (fw *FileWatcher) waitForFileReady(ctx context.Context, path string) error {
	var lastSize int64 = -1
	for i := 0; i < fw.opts.ReadyChecks; i++ {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("file disappeared: %w", err)
			}
			return err
		}
		if info.Size() > 0 && info.Size() == lastSize {
			return nil
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fw.opts.PollInterval):
		}
	}
	return fmt.Errorf("file not ready after %d checks", fw.opts.ReadyChecks)
}

// matchPattern 大小写不敏感的 glob 匹配
func (fw *FileWatcher) matchPattern(fileName string) bool {
	ok, err := filepath.Match(strings.ToLower(fw.opts.Pattern), strings.ToLower(fileName))
	return err == nil && ok
}

// Stop 停止监控，等待进行中的处理结束
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)

		fw.mu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
		}
		fw.mu.Unlock()

		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// WatchDir 监控目录
func (fw *FileWatcher) WatchDir() string {
	return fw.watchDir
}
