package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull 队列已满
	ErrQueueFull = errors.New("job queue is full")
	// ErrPoolStopped 池已停止
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Job 一个待执行的作业
type Job struct {
	ID  string
	Run func(ctx context.Context) error

	resultCh chan error // 用于同步等待作业完成
}

// StatsFunc 池状态变化时回调（size, active, queued）
type StatsFunc func(size, active, queued int)

// Pool Worker 池
type Pool struct {
	workers int
	jobChan chan *Job
	logger  *logrus.Logger
	onStats StatsFunc

	active  atomic.Int32
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers: workers,
		jobChan: make(chan *Job, queueSize),
		logger:  logger,
	}
}

// OnStats 注册状态回调，必须在 Start 之前调用
func (p *Pool) OnStats(fn StatsFunc) {
	p.onStats = fn
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.reportStats()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case job, ok := <-p.jobChan:
			if !ok {
				return
			}

			p.active.Add(1)
			p.reportStats()
			err := p.run(ctx, id, job)
			p.active.Add(-1)
			p.reportStats()

			if job.resultCh != nil {
				job.resultCh <- err
				close(job.resultCh)
			}
		}
	}
}

// run 执行单个作业，panic 转为错误
func (p *Pool) run(ctx context.Context, workerID int, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"worker_id": workerID,
				"job_id":    job.ID,
			}).Warn("Job failed")
		}
	}()

	p.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    job.ID,
	}).Debug("Processing job")
	return job.Run(ctx)
}

// Submit 提交作业（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobChan <- job:
		p.reportStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交作业并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)

	if err := p.enqueue(ctx, job); err != nil {
		return err
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobChan <- job:
		p.reportStats()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新作业，等待已入队作业完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中作业数
func (p *Pool) GetQueueSize() int {
	return len(p.jobChan)
}

// ActiveWorkers 正在执行作业的 worker 数
func (p *Pool) ActiveWorkers() int {
	return int(p.active.Load())
}

// Size worker 总数
func (p *Pool) Size() int {
	return p.workers
}

func (p *Pool) reportStats() {
	if p.onStats != nil {
		p.onStats(p.workers, p.ActiveWorkers(), p.GetQueueSize())
	}
}
