package market

import (
	"context"
	"database/sql"
	"log/slog"

	"gorm.io/gorm"
)

// serviceOptions 是各服務共用的選項
// 讀取與依據該讀取所做的寫入必須在同一個repeatable-read交易中完成，
// 測試環境的儲存引擎不支援時可以調降隔離等級
type serviceOptions struct {
	logger    *slog.Logger
	isolation sql.IsolationLevel
}

type ServiceOption func(*serviceOptions)

// WithServiceLogger 設置日誌記錄器
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithTxIsolation 設置資料庫交易的隔離等級
func WithTxIsolation(level sql.IsolationLevel) ServiceOption {
	return func(o *serviceOptions) {
		o.isolation = level
	}
}

func newServiceOptions(caller string, opts ...ServiceOption) serviceOptions {
	// 默認選項
	options := serviceOptions{
		logger:    slog.Default(),
		isolation: sql.LevelRepeatableRead,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	options.logger = options.logger.With(slog.String("caller", caller))
	return options
}

// txRunner 以設定的隔離等級執行資料庫交易
type txRunner struct {
	db        *gorm.DB
	isolation sql.IsolationLevel
}

func (r txRunner) run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: r.isolation})
}
