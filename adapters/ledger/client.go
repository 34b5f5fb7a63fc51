package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
)

type clientOptions struct {
	logger       *slog.Logger
	pollInterval time.Duration
}

type ClientOption func(*clientOptions)

// WithClientLogger 設置日誌記錄器
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithClientPollInterval 設置交易狀態的輪詢間隔
func WithClientPollInterval(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.pollInterval = d
	}
}

// rpcClient 透過JSON-RPC與帳本節點溝通
// 交易狀態以輪詢節點的方式轉成狀態串流，節點本身的協定對上層不可見
type rpcClient struct {
	conn    *ethrpc.Client
	logger  *slog.Logger
	options clientOptions
}

// Dial 建立與帳本節點的連線
func Dial(ctx context.Context, endpoint string, opts ...ClientOption) (Client, error) {
	const op = "Dial"

	// 默認選項
	options := clientOptions{
		logger:       slog.Default(),
		pollInterval: time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	conn, err := ethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to dial ledger node, err=%w", op, err)
	}
	return &rpcClient{
		conn:    conn,
		logger:  options.logger.With(slog.String("caller", "LedgerClient")),
		options: options,
	}, nil
}

type rpcTxStatus struct {
	Status    string `json:"status"`
	BlockHash string `json:"blockHash"`
}

type rpcBlock struct {
	Hash   string `json:"hash"`
	Number uint64 `json:"number"`
}

type rpcEvent struct {
	ExtrinsicHash string `json:"extrinsicHash"`
	Method        string `json:"method"`
}

// SubmitAndWatch 送出交易並回傳狀態串流
// 串流由背景輪詢驅動，只在狀態改變時發出事件，到達終態後停止輪詢
func (c *rpcClient) SubmitAndWatch(ctx context.Context, tx SignedTx) (StatusStream, error) {
	const op = "SubmitAndWatch"
	var txID string
	if err := c.conn.CallContext(ctx, &txID, "author_submitExtrinsic", fmt.Sprintf("0x%x", tx.Payload)); err != nil {
		return nil, fmt.Errorf("[%s] Fail to submit extrinsic, err=%w", op, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	stream := &pollingStream{
		ch:     make(chan StatusEvent, 8),
		cancel: cancel,
	}
	stream.wg.Add(1)
	go func() {
		defer stream.wg.Done()
		ticker := time.NewTicker(c.options.pollInterval)
		defer ticker.Stop()
		var last TxStatus
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				var status rpcTxStatus
				if err := c.conn.CallContext(watchCtx, &status, "author_extrinsicStatus", txID); err != nil {
					c.logger.Warn("Fail to poll transaction status", slog.String("tx", tx.Hash), slog.Any("error", err))
					continue
				}
				current := TxStatus(status.Status)
				if current == last {
					continue
				}
				last = current
				select {
				case stream.ch <- StatusEvent{Status: current, BlockHash: status.BlockHash}:
				case <-watchCtx.Done():
					return
				}
				if current.IsTerminal() {
					return
				}
			}
		}
	}()
	return stream, nil
}

func (c *rpcClient) GetBlock(ctx context.Context, hash string) (Block, error) {
	const op = "GetBlock"
	var block rpcBlock
	if err := c.conn.CallContext(ctx, &block, "chain_getBlock", hash); err != nil {
		return Block{}, fmt.Errorf("[%s] Fail to fetch block %s, err=%w", op, hash, err)
	}
	return Block{Hash: block.Hash, Number: block.Number}, nil
}

func (c *rpcClient) GetEventsAt(ctx context.Context, hash string) ([]Event, error) {
	const op = "GetEventsAt"
	var events []rpcEvent
	if err := c.conn.CallContext(ctx, &events, "chain_getEvents", hash); err != nil {
		return nil, fmt.Errorf("[%s] Fail to fetch events at %s, err=%w", op, hash, err)
	}
	result := make([]Event, len(events))
	for i, e := range events {
		result[i] = Event{ExtrinsicHash: e.ExtrinsicHash, Method: e.Method}
	}
	return result, nil
}

func (c *rpcClient) AccountNextIndex(ctx context.Context, address string) (uint64, error) {
	const op = "AccountNextIndex"
	var nonce uint64
	if err := c.conn.CallContext(ctx, &nonce, "system_accountNextIndex", address); err != nil {
		return 0, fmt.Errorf("[%s] Fail to fetch account nonce, err=%w", op, err)
	}
	return nonce, nil
}

// pollingStream 把輪詢結果包裝成StatusStream
type pollingStream struct {
	ch     chan StatusEvent
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *pollingStream) Events() <-chan StatusEvent {
	return s.ch
}

// Unsubscribe 停止輪詢並關閉事件通道，可重複呼叫
func (s *pollingStream) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.ch)
	})
}
