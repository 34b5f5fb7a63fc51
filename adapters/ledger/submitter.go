package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type submitterOptions struct {
	logger *slog.Logger
}

type SubmitterOption func(*submitterOptions)

// WithSubmitterLogger 設置日誌記錄器
func WithSubmitterLogger(logger *slog.Logger) SubmitterOption {
	return func(o *submitterOptions) {
		o.logger = logger
	}
}

// Submitter 負責送出已簽名的交易並等待帳本的不可逆最終化
// 終態分類:
//   - Finalized: 取得最終化區塊，從該區塊的事件紀錄重新判定交易是否真的成功
//   - Dropped / Invalid / Usurped / FinalityTimeout: 以原始狀態作為錯誤內容立即拒絕，
//     Submitter 本身不重試，重試策略屬於呼叫端
//   - 其他中間狀態記錄後忽略
//
// 無論哪一條路徑離開，狀態訂閱都會被取消且只取消一次
type Submitter struct {
	client  Client
	logger  *slog.Logger
	options submitterOptions
}

func NewSubmitter(client Client, opts ...SubmitterOption) (*Submitter, error) {
	if client == nil {
		return nil, errors.New("ledger client cannot be nil")
	}

	// 默認選項
	options := submitterOptions{
		logger: slog.Default(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Submitter{
		client:  client,
		logger:  options.logger.With(slog.String("caller", "Submitter")),
		options: options,
	}, nil
}

// Submit 送出交易並阻塞到終態
// 回傳值只在error為nil時有意義；IsSucceed=false代表交易被收進區塊但邏輯上失敗
func (s *Submitter) Submit(ctx context.Context, tx SignedTx) (Receipt, error) {
	const op = "Submit"
	stream, err := s.client.SubmitAndWatch(ctx, tx)
	if err != nil {
		return Receipt{}, fmt.Errorf("[%s] Fail to submit transaction, err=%w", op, err)
	}

	// 確保每一條離開路徑都恰好取消訂閱一次，
	// 遺漏的訂閱會讓連線無法回收並在每次呼叫後累積
	var once sync.Once
	unsubscribe := func() { once.Do(stream.Unsubscribe) }
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("[%s] Context cancelled while watching transaction %s, err=%w", op, tx.Hash, ctx.Err())
		case event, ok := <-stream.Events():
			if !ok {
				return Receipt{}, fmt.Errorf("[%s] Status stream closed before terminal status, tx=%s", op, tx.Hash)
			}
			switch event.Status {
			case StatusFinalized:
				return s.resolveFinalized(ctx, tx, event.BlockHash)
			case StatusDropped, StatusInvalid, StatusUsurped, StatusFinalityTimeout:
				return Receipt{}, fmt.Errorf("[%s] Transaction %s rejected with status %s", op, tx.Hash, event.Status)
			default:
				s.logger.Debug("Intermediate transaction status",
					slog.String("tx", tx.Hash),
					slog.String("status", string(event.Status)))
			}
		}
	}
}

// resolveFinalized 從最終化區塊的事件紀錄判定交易結果
func (s *Submitter) resolveFinalized(ctx context.Context, tx SignedTx, blockHash string) (Receipt, error) {
	const op = "resolveFinalized"
	block, err := s.client.GetBlock(ctx, blockHash)
	if err != nil {
		return Receipt{}, fmt.Errorf("[%s] Fail to fetch finalizing block %s, err=%w", op, blockHash, err)
	}
	events, err := s.client.GetEventsAt(ctx, blockHash)
	if err != nil {
		return Receipt{}, fmt.Errorf("[%s] Fail to fetch events at block %s, err=%w", op, blockHash, err)
	}

	receipt := Receipt{BlockNumber: block.Number}
	for _, event := range events {
		if event.ExtrinsicHash != tx.Hash {
			continue
		}
		if event.Method == MethodExtrinsicSuccess {
			receipt.IsSucceed = true
			break
		}
	}
	s.logger.Info("Transaction finalized",
		slog.String("tx", tx.Hash),
		slog.Uint64("block", block.Number),
		slog.Bool("isSucceed", receipt.IsSucceed))
	return receipt, nil
}
