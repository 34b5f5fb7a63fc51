package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

type escrowOptions struct {
	logger *slog.Logger
}

type EscrowOption func(*escrowOptions)

// WithEscrowLogger 設置日誌記錄器
func WithEscrowLogger(logger *slog.Logger) EscrowOption {
	return func(o *escrowOptions) {
		o.logger = logger
	}
}

// Escrow 以市場的代管帳戶執行結算所需的帳本操作
// 資產轉移與資金撥付都以代管金鑰簽署，nonce 每次向節點重新取得
type Escrow struct {
	client    Client
	factory   TxFactory
	submitter ISubmitter
	custodian string
	logger    *slog.Logger
}

func NewEscrow(client Client, factory TxFactory, submitter ISubmitter, custodian string, opts ...EscrowOption) (*Escrow, error) {
	if client == nil {
		return nil, errors.New("ledger client cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("tx factory cannot be nil")
	}
	if submitter == nil {
		return nil, errors.New("submitter cannot be nil")
	}
	if custodian == "" {
		return nil, errors.New("custodian address cannot be empty")
	}

	// 默認選項
	options := escrowOptions{
		logger: slog.Default(),
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Escrow{
		client:    client,
		factory:   factory,
		submitter: submitter,
		custodian: custodian,
		logger:    options.logger.With(slog.String("caller", "Escrow")),
	}, nil
}

// Submit 送出呼叫端已簽名的交易並等待最終化
func (e *Escrow) Submit(ctx context.Context, tx SignedTx) (Receipt, error) {
	return e.submitter.Submit(ctx, tx)
}

// TransferToken 以代管金鑰將資產轉移給指定地址
func (e *Escrow) TransferToken(ctx context.Context, collectionID, tokenID uint64, to string) (Receipt, error) {
	const op = "TransferToken"
	nonce, err := e.client.AccountNextIndex(ctx, e.custodian)
	if err != nil {
		return Receipt{}, fmt.Errorf("[%s] Fail to fetch custodian nonce, err=%w", op, err)
	}
	tx, err := e.factory.TokenTransfer(nonce, collectionID, tokenID, to)
	if err != nil {
		return Receipt{}, fmt.Errorf("[%s] Fail to build token transfer, err=%w", op, err)
	}
	e.logger.Info("Submitting token transfer",
		slog.Uint64("collection", collectionID),
		slog.Uint64("token", tokenID),
		slog.String("to", to))
	return e.submitter.Submit(ctx, tx)
}

// TransferBalance 以代管金鑰撥付資金給指定地址
func (e *Escrow) TransferBalance(ctx context.Context, to string, amount decimal.Decimal) (Receipt, error) {
	const op = "TransferBalance"
	nonce, err := e.client.AccountNextIndex(ctx, e.custodian)
	if err != nil {
		return Receipt{}, fmt.Errorf("[%s] Fail to fetch custodian nonce, err=%w", op, err)
	}
	tx, err := e.factory.BalanceTransfer(nonce, to, amount)
	if err != nil {
		return Receipt{}, fmt.Errorf("[%s] Fail to build balance transfer, err=%w", op, err)
	}
	e.logger.Info("Submitting balance transfer",
		slog.String("to", to),
		slog.String("amount", amount.String()))
	return e.submitter.Submit(ctx, tx)
}
