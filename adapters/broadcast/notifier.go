package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

var ErrNotifierClosed = errors.New("notifier is closed")

// INotifier 定義了結算事件廣播的操作介面
// 所有事件都是即發即忘，發布失敗不影響呼叫端的結算流程
type INotifier interface {
	Start()
	AuctionStarted(snapshot OfferSnapshot) error
	BidPlaced(snapshot OfferSnapshot) error
	AuctionClosed(snapshot OfferSnapshot) error
	AuctionCancelled(snapshot OfferSnapshot) error
	Close()
}

type notifierOptions struct {
	logger     *slog.Logger
	bufferSize int
}

type NotifierOption func(*notifierOptions)

// WithNotifierLogger 設置日誌記錄器
func WithNotifierLogger(logger *slog.Logger) NotifierOption {
	return func(o *notifierOptions) {
		o.logger = logger
	}
}

// WithNotifierBufferSize 設置緩衝大小
func WithNotifierBufferSize(size int) NotifierOption {
	return func(o *notifierOptions) {
		o.bufferSize = size
	}
}

// Notifier 將結算事件發布到Redis Stream，供推播端跨節點訂閱
// 事件先進入無上限的緩衝通道，由單一goroutine依序寫入stream
// 發布與Start/Close可以從不同goroutine呼叫
type Notifier struct {
	client     *redis.Client
	stream     string
	upstream   *chanx.UnboundedChan[map[string]any]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	logger     *slog.Logger
	options    notifierOptions
}

func NewNotifier(client *redis.Client, stream string, opts ...NotifierOption) (*Notifier, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := notifierOptions{
		logger:     slog.Default(),
		bufferSize: 100,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Notifier{
		client:  client,
		stream:  stream,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Notifier"), slog.String("stream", stream)),
		options: options,
	}, nil
}

func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.upstream = chanx.NewUnboundedChan[map[string]any](ctx, n.options.bufferSize)
	n.cancelFunc = cancel
	n.closed = false
	n.logger.Info("starting broadcast notifier")

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.logger.Info("notifier goroutine stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case message := <-n.upstream.Out:
				id, err := n.client.XAdd(ctx, &redis.XAddArgs{
					Stream: n.stream,
					Values: message,
				}).Result()

				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					n.logger.Error("publish event error", slog.Any("error", err))
					continue
				}

				n.logger.Debug("event published", slog.String("messageId", id))
			}
		}
	}()
}

// AuctionStarted 廣播拍賣開始事件
func (n *Notifier) AuctionStarted(snapshot OfferSnapshot) error {
	return n.publish(EventAuctionStarted, snapshot)
}

// BidPlaced 廣播新出價事件
func (n *Notifier) BidPlaced(snapshot OfferSnapshot) error {
	return n.publish(EventBidPlaced, snapshot)
}

// AuctionClosed 廣播拍賣結算完成事件
func (n *Notifier) AuctionClosed(snapshot OfferSnapshot) error {
	return n.publish(EventAuctionClosed, snapshot)
}

// AuctionCancelled 廣播拍賣取消事件
func (n *Notifier) AuctionCancelled(snapshot OfferSnapshot) error {
	return n.publish(EventAuctionCancelled, snapshot)
}

func (n *Notifier) publish(kind EventKind, snapshot OfferSnapshot) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrNotifierClosed
	}
	message, err := encodeEvent(Event{
		Kind:  kind,
		Offer: snapshot,
		At:    time.Now(),
	})
	if err != nil {
		return err
	}
	n.upstream.In <- message
	return nil
}

func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.logger.Info("closing broadcast notifier")
	n.closed = true
	n.cancelFunc()
	n.wg.Wait()
	n.logger.Info("broadcast notifier closed")
}
