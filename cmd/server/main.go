package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/api"
	"github.com/apk-analysis/apk-rgb-go/internal/api/handlers"
	"github.com/apk-analysis/apk-rgb-go/internal/classifier"
	"github.com/apk-analysis/apk-rgb-go/internal/config"
	"github.com/apk-analysis/apk-rgb-go/internal/features"
	"github.com/apk-analysis/apk-rgb-go/internal/middleware"
	"github.com/apk-analysis/apk-rgb-go/internal/queue"
	"github.com/apk-analysis/apk-rgb-go/internal/repository"
	"github.com/apk-analysis/apk-rgb-go/internal/service"
	"github.com/apk-analysis/apk-rgb-go/internal/watcher"
	"github.com/apk-analysis/apk-rgb-go/internal/worker"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	fmt.Printf("APK RGB Classifier\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 1. 配置与日志
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := config.InitLogger(&cfg.Log)
	logger.WithField("config", *configPath).Infof("Starting APK RGB Classifier %s", Version)

	// 2. 数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	scanRepo := repository.NewScanRepository(db, logger)

	if n, err := scanRepo.MarkInterrupted(context.Background(), "服务重启，扫描中断"); err != nil {
		logger.WithError(err).Warn("Failed to cleanup interrupted scans")
	} else if n > 0 {
		logger.WithField("count", n).Warn("Marked interrupted scans as failed")
	}

	// 3. 特征提取器：排名文件缺失时服务仍可启动，opcode 通道会按配置错误失败
	ranking, err := features.LoadFeatureRanking(cfg.Features.RankingPath)
	if err != nil {
		logger.WithError(err).WithField("path", cfg.Features.RankingPath).Error("Feature ranking unavailable, every scan will fail")
		ranking = nil
	}
	extractor, err := features.NewExtractor(cfg.Features.Dims, ranking)
	if err != nil {
		logger.Fatalf("Failed to create extractor: %v", err)
	}

	// 4. 指标
	metrics := middleware.NewPrometheusMetrics(logger, "")
	memMonitor := middleware.NewMemoryMonitor(logger, metrics, 30*time.Second, 1024)
	memMonitor.Start()
	defer memMonitor.Stop()

	// 5. 模型服务客户端
	clf := classifier.NewHTTPClient(classifier.Options{
		URL:        cfg.Classifier.URL,
		Timeout:    cfg.Classifier.TimeoutDuration(),
		MaxRetries: cfg.Classifier.MaxRetries,
		RetryDelay: cfg.Classifier.RetryDelayDuration(),
		OnRetry: func(attempt int, err error) {
			metrics.RecordRetryAttempt("classifier", attempt)
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. Worker 池与事件推送
	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, logger)
	pool.OnStats(metrics.UpdateWorkerPoolStats)
	pool.Start(ctx)

	feed := handlers.NewScanFeedHandler(logger)
	feed.Start(ctx)

	scanService := service.NewScanService(extractor, clf, scanRepo, service.Options{
		Metrics:      metrics,
		Publisher:    feed,
		SmaliDirName: cfg.Features.SmaliDirName,
	}, logger)

	// 7. 异步入口：RabbitMQ 消费者 + 收件目录
	var (
		mq          *queue.RabbitMQ
		consumer    *queue.Consumer
		fileWatcher *watcher.FileWatcher
	)
	fileHandler := watcher.ScanDirect(scanService)

	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(cfg.RabbitMQ, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		consumer = queue.NewConsumer(mq, queue.ScanHandler(scanService), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		fileHandler = watcher.EnqueueScan(queue.NewProducer(mq, logger))
	}

	if cfg.Watcher.Enabled {
		fileWatcher, err = watcher.NewFileWatcher(cfg.Watcher.InboxDir, watcher.Options{Pattern: cfg.Watcher.Pattern}, fileHandler, logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(ctx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
	}

	// 8. HTTP 服务
	router := api.SetupRouter(cfg, logger, api.Dependencies{
		ScanService: scanService,
		Pool:        pool,
		Metrics:     metrics,
		Feed:        feed,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 9. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	shutdownComponents(logger, fileWatcher, consumer, mq, pool)
	cancel()
	logger.Info("Server exited")
}

// shutdownComponents 先停入口，再停执行者
func shutdownComponents(logger *logrus.Logger, fw *watcher.FileWatcher, consumer *queue.Consumer, mq *queue.RabbitMQ, pool *worker.Pool) {
	if fw != nil {
		if err := fw.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop file watcher")
		}
	}
	if consumer != nil {
		consumer.Stop()
	}
	if mq != nil {
		mq.Close()
	}
	pool.Stop()
}
