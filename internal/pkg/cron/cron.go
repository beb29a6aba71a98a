package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qs3c/license_go_server/internal/model/dto"
)

// Sweeper 周期执行的清扫任务
type Sweeper interface {
	SweepExpired(ctx context.Context) (*dto.SweepResult, error)
}

type Service struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	running  sync.Mutex
	wg       sync.WaitGroup
}

func NewService(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	s.wg.Add(1)
	go s.runSweeper()
	s.logger.Info("cron service started", "job", "sweep_expired", "interval", s.interval)
}

// Stop 停止定时任务并等待进行中的清扫结束，可重复调用
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("cron service stopped")
}

func (s *Service) runSweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.RunNow(ctx); err != nil {
				s.logger.Error("scheduled sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// RunNow 立即执行一轮清扫；与进行中的清扫串行
func (s *Service) RunNow(ctx context.Context) (*dto.SweepResult, error) {
	s.running.Lock()
	defer s.running.Unlock()
	return s.sweeper.SweepExpired(ctx)
}
