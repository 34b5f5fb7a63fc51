package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// TxStatus 代表帳本回報的交易狀態
type TxStatus string

const (
	StatusReady           TxStatus = "Ready"
	StatusBroadcast       TxStatus = "Broadcast"
	StatusInBlock         TxStatus = "InBlock"
	StatusFinalized       TxStatus = "Finalized"
	StatusDropped         TxStatus = "Dropped"
	StatusInvalid         TxStatus = "Invalid"
	StatusUsurped         TxStatus = "Usurped"
	StatusFinalityTimeout TxStatus = "FinalityTimeout"
)

// IsTerminal 回報這個狀態是否為終態
// 終態之後狀態串流不會再有新事件
func (s TxStatus) IsTerminal() bool {
	switch s {
	case StatusFinalized, StatusDropped, StatusInvalid, StatusUsurped, StatusFinalityTimeout:
		return true
	}
	return false
}

// StatusEvent 是狀態串流上的一筆事件
// BlockHash 只在 Finalized 時有值，指向最終化該交易的區塊
type StatusEvent struct {
	Status    TxStatus
	BlockHash string
}

// SignedTx 是一筆已簽名、可直接送出的帳本交易
type SignedTx struct {
	Hash    string
	Signer  string
	Payload []byte
}

// Block 是帳本區塊的摘要
type Block struct {
	Hash   string
	Number uint64
}

// Event 是區塊事件紀錄中的一筆事件
// 一筆交易可能被收進區塊卻在邏輯上失敗，成功與否要以事件紀錄為準
type Event struct {
	ExtrinsicHash string
	Method        string
}

const (
	MethodExtrinsicSuccess = "ExtrinsicSuccess"
	MethodExtrinsicFailed  = "ExtrinsicFailed"
)

// Receipt 是交易送出後的最終結果
type Receipt struct {
	IsSucceed   bool
	BlockNumber uint64
}

// StatusStream 是單一交易的狀態訂閱
// Unsubscribe 必須是冪等的，重複呼叫不得造成錯誤
type StatusStream interface {
	Events() <-chan StatusEvent
	Unsubscribe()
}

// Client 是帳本節點的抽象介面
// 實際的節點協定由整合層提供，這裡只依賴送出交易與查詢狀態的能力
type Client interface {
	SubmitAndWatch(ctx context.Context, tx SignedTx) (StatusStream, error)
	GetBlock(ctx context.Context, hash string) (Block, error)
	GetEventsAt(ctx context.Context, hash string) ([]Event, error)
	AccountNextIndex(ctx context.Context, address string) (uint64, error)
}

// TxFactory 負責用代管帳戶的金鑰建立並簽署市場結算所需的交易
type TxFactory interface {
	TokenTransfer(nonce uint64, collectionID, tokenID uint64, to string) (SignedTx, error)
	BalanceTransfer(nonce uint64, to string, amount decimal.Decimal) (SignedTx, error)
}

// ISubmitter 定義了 Submitter 的操作介面
type ISubmitter interface {
	Submit(ctx context.Context, tx SignedTx) (Receipt, error)
}

// IEscrow 定義了代管帳戶操作的介面
// Submit 送出呼叫端已簽名的交易；Transfer 系列以代管金鑰簽署後送出
type IEscrow interface {
	Submit(ctx context.Context, tx SignedTx) (Receipt, error)
	TransferToken(ctx context.Context, collectionID, tokenID uint64, to string) (Receipt, error)
	TransferBalance(ctx context.Context, to string, amount decimal.Decimal) (Receipt, error)
}
