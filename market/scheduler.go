package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gavel/models"
)

type schedulerOptions struct {
	logger              *slog.Logger
	stoppingInterval    time.Duration
	withdrawingInterval time.Duration
}

type SchedulerOption func(*schedulerOptions)

// WithSchedulerLogger 設置日誌記錄器
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		o.logger = logger
	}
}

// WithStoppingInterval 設置到期拍賣掃描的間隔
func WithStoppingInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		o.stoppingInterval = d
	}
}

// WithWithdrawingInterval 設置結算掃描的間隔
func WithWithdrawingInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		o.withdrawingInterval = d
	}
}

// Scheduler 以兩個獨立的計時器驅動拍賣的收盤:
// 一個把到期的active拍賣批次轉成stopped，一個對可結算的拍賣啟動結算
// Stop 會取消計時器並等待進行中的那一輪完成，結算不會被中斷
// Start與Stop可以從不同goroutine呼叫
type Scheduler struct {
	db         *gorm.DB
	settle     *SettleService
	logger     *slog.Logger
	options    schedulerOptions
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

func NewScheduler(db *gorm.DB, settle *SettleService, opts ...SchedulerOption) (*Scheduler, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if settle == nil {
		return nil, errors.New("settle service cannot be nil")
	}

	// 默認選項
	options := schedulerOptions{
		logger:              slog.Default(),
		stoppingInterval:    5 * time.Second,
		withdrawingInterval: 10 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Scheduler{
		db:      db,
		settle:  settle,
		logger:  options.logger.With(slog.String("caller", "Scheduler")),
		options: options,
	}, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.running = true
	s.logger.Info("starting auction scheduler",
		slog.Duration("stoppingInterval", s.options.stoppingInterval),
		slog.Duration("withdrawingInterval", s.options.withdrawingInterval))

	s.wg.Add(2)
	go s.loop(ctx, "stopping", s.options.stoppingInterval, s.StopExpiredAuctions)
	go s.loop(ctx, "withdrawing", s.options.withdrawingInterval, s.RunWithdrawPass)
}

// Stop 停止計時器並等待進行中的tick完成
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("auction scheduler stopped")
}

// loop 是單一計時器的主迴圈，單次tick失敗只記錄，不會中斷計時器
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	defer s.wg.Done()
	defer s.logger.Info("scheduler loop stopped", slog.String("loop", name))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				s.logger.Error("Scheduler tick failed",
					slog.String("loop", name),
					slog.Any("error", err))
			}
		}
	}
}

// StopExpiredAuctions 把到期的active拍賣批次轉為stopped
// 冪等操作，只把資料列往單一方向推進，和自己並行執行也安全
func (s *Scheduler) StopExpiredAuctions(ctx context.Context) error {
	const op = "StopExpiredAuctions"
	result := s.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("status = ? AND stop_at <= ?", models.AuctionActive, time.Now()).
		Update("status", models.AuctionStopped)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to stop expired auctions, err=%w", op, result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("Expired auctions stopped", slog.Int64("count", result.RowsAffected))
	}
	return nil
}

// RunWithdrawPass 對所有可結算的拍賣啟動結算
// 不同拍賣彼此獨立，每場拍賣一個並行任務，失敗各自隔離
func (s *Scheduler) RunWithdrawPass(ctx context.Context) error {
	const op = "RunWithdrawPass"
	auctions, err := NewAccounting(s.db.WithContext(ctx)).FindAuctionsReadyForWithdraw()
	if err != nil {
		return fmt.Errorf("[%s] Fail to find auctions ready for withdraw, err=%w", op, err)
	}

	var wg sync.WaitGroup
	for _, auction := range auctions {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if settleErr := s.settle.ProcessAuctionWithdraws(ctx, id); settleErr != nil {
				s.logger.Error("Fail to settle auction",
					slog.String("auction", id.String()),
					slog.Any("error", settleErr))
			}
		}(auction.ID)
	}
	// tick等待本輪所有結算完成，關機時才能保證結算不被中斷
	wg.Wait()
	return nil
}
