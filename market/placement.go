package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gavel/adapters/broadcast"
	"gavel/adapters/ledger"
	"gavel/models"
)

// PlacementService 負責接受新的出價
// 出價是append-only且不加鎖的：排名在結算時以加總重新計算，
// 同一拍賣上的並行出價不需要在這一層序列化
type PlacementService struct {
	runner   txRunner
	escrow   ledger.IEscrow
	notifier broadcast.INotifier
	logger   *slog.Logger
}

// PlaceBidRequest 是一筆新的出價
// DepositTx 是出價者已簽名的資金轉移交易，由服務代為送出
type PlaceBidRequest struct {
	AuctionID     uuid.UUID
	BidderAddress string
	Amount        decimal.Decimal
	DepositTx     ledger.SignedTx
}

func NewPlacementService(db *gorm.DB, escrow ledger.IEscrow, notifier broadcast.INotifier, opts ...ServiceOption) (*PlacementService, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if escrow == nil {
		return nil, errors.New("escrow cannot be nil")
	}
	if notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}
	options := newServiceOptions("PlacementService", opts...)
	return &PlacementService{
		runner:   txRunner{db: db, isolation: options.isolation},
		escrow:   escrow,
		notifier: notifier,
		logger:   options.logger,
	}, nil
}

// PlaceBid 驗證並保存一筆出價，送出資金轉移後生效
// 拍賣不在active狀態或已過結束時間時回傳Conflict
func (s *PlacementService) PlaceBid(ctx context.Context, req PlaceBidRequest) (*models.Bid, error) {
	const op = "PlaceBid"
	if !req.Amount.IsPositive() || !req.Amount.IsInteger() {
		return nil, badRequestf("amount must be a positive integer, got %s", req.Amount)
	}
	if req.BidderAddress == "" {
		return nil, badRequestf("bidder address cannot be empty")
	}

	var (
		bid     models.Bid
		auction models.Auction
	)
	err := s.runner.run(ctx, func(tx *gorm.DB) error {
		if result := tx.Preload("Offer").First(&auction, "id = ?", req.AuctionID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return notFoundf("auction %s not found", req.AuctionID)
			}
			return fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
		}
		if auction.Status != models.AuctionActive || !auction.StopAt.After(time.Now()) {
			return conflictf("auction %s is not accepting bids", req.AuctionID)
		}
		if auction.Offer == nil || auction.Offer.Status != models.OfferActive {
			return conflictf("offer for auction %s is not active", req.AuctionID)
		}

		// 檢查出價者的累計金額是否達到最低出價
		aggregated, err := NewAccounting(tx).GetAuctionAggregatedBids(auction.ID, []models.BidStatus{models.BidFinished, models.BidMinting})
		if err != nil {
			return err
		}
		if err := validateRaise(auction, aggregated, req.BidderAddress, req.Amount); err != nil {
			return err
		}

		bid = models.Bid{
			AuctionID:     auction.ID,
			BidderAddress: req.BidderAddress,
			Amount:        req.Amount,
			PendingAmount: decimal.Zero,
			Status:        models.BidCreated,
		}
		if result := tx.Create(&bid); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create bid, err=%w", op, result.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 資金轉移是對外部帳本的網路呼叫，不能包進資料庫交易
	receipt, err := s.escrow.Submit(ctx, req.DepositTx)
	if err != nil || !receipt.IsSucceed {
		if updateErr := s.runner.db.Model(&bid).Update("status", models.BidError).Error; updateErr != nil {
			s.logger.Error("Fail to mark bid as error",
				slog.String("bid", bid.ID.String()),
				slog.Any("error", updateErr))
		}
		if err == nil {
			err = fmt.Errorf("[%s] Deposit transaction failed on ledger", op)
		}
		return nil, fmt.Errorf("[%s] Fail to confirm deposit for bid %s, err=%w", op, bid.ID, err)
	}

	updates := map[string]any{
		"status":         models.BidFinished,
		"pending_amount": req.Amount,
	}
	if result := s.runner.db.Model(&bid).Updates(updates); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to finish bid %s, err=%w", op, bid.ID, result.Error)
	}
	bid.Status = models.BidFinished
	bid.PendingAmount = req.Amount

	s.logger.Info("Bid placed",
		slog.String("auction", auction.ID.String()),
		slog.String("bidder", req.BidderAddress),
		slog.String("amount", req.Amount.String()))
	if err := s.notifier.BidPlaced(broadcast.SnapshotOf(auction.Offer, &auction)); err != nil {
		s.logger.Warn("Fail to broadcast bid placed event", slog.Any("error", err))
	}
	return &bid, nil
}

// validateRaise 檢查出價者的累計總額是否達到最低要求:
// 第一口價必須達到起標價，之後的出價總額必須超過目前領先者至少一個加價幅度
// 出價者若已領先，任何正整數的加價都允許
func validateRaise(auction models.Auction, aggregated []models.AggregatedBid, bidder string, amount decimal.Decimal) error {
	existing := decimal.Zero
	for _, agg := range aggregated {
		if agg.BidderAddress == bidder {
			existing = agg.TotalAmount
			break
		}
	}
	required := auction.StartPrice
	if len(aggregated) > 0 {
		leader := aggregated[0]
		if leader.BidderAddress == bidder {
			return nil
		}
		required = leader.TotalAmount.Add(auction.PriceStep)
	}
	if existing.Add(amount).LessThan(required) {
		return badRequestf("bid too low, minimum total is %s", required)
	}
	return nil
}
