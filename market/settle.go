package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gavel/adapters/broadcast"
	"gavel/adapters/ledger"
	"gavel/models"
)

// SettleService 負責已停止拍賣的結算:
// 決定得標者、轉移資產、撥付扣除佣金後的價款給賣家、退款給其他出價者
// Auction 狀態越過 stopped 之後的推進只由這個服務執行
type SettleService struct {
	runner     txRunner
	escrow     ledger.IEscrow
	withdraw   *WithdrawService
	cancel     *CancelService
	notifier   broadcast.INotifier
	commission int64
	logger     *slog.Logger
}

func NewSettleService(db *gorm.DB, escrow ledger.IEscrow, withdraw *WithdrawService, cancel *CancelService, notifier broadcast.INotifier, commission int64, opts ...ServiceOption) (*SettleService, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if escrow == nil {
		return nil, errors.New("escrow cannot be nil")
	}
	if withdraw == nil {
		return nil, errors.New("withdraw service cannot be nil")
	}
	if cancel == nil {
		return nil, errors.New("cancel service cannot be nil")
	}
	if notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}
	if commission < 0 || commission > 100 {
		return nil, fmt.Errorf("commission must be within [0, 100], got %d", commission)
	}
	options := newServiceOptions("SettleService", opts...)
	return &SettleService{
		runner:     txRunner{db: db, isolation: options.isolation},
		escrow:     escrow,
		withdraw:   withdraw,
		cancel:     cancel,
		notifier:   notifier,
		commission: commission,
		logger:     options.logger,
	}, nil
}

// ProcessAuctionWithdraws 結算一場已停止的拍賣
// 先把拍賣標記為withdrawing認領這一輪處理，配合「沒有minting中出價」
// 的前置條件避免重複結算；之後退款與得標流程都在交易之外進行
func (s *SettleService) ProcessAuctionWithdraws(ctx context.Context, auctionID uuid.UUID) error {
	const op = "ProcessAuctionWithdraws"
	var (
		auction models.Auction
		ranked  []models.AggregatedBid
	)
	err := s.runner.run(ctx, func(tx *gorm.DB) error {
		if result := tx.Preload("Offer").First(&auction, "id = ?", auctionID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return notFoundf("auction %s not found", auctionID)
			}
			return fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
		}
		if auction.Status != models.AuctionStopped {
			return conflictf("auction %s is not stopped", auctionID)
		}
		if auction.Offer == nil {
			return notFoundf("auction %s has no offer", auctionID)
		}
		auction.Status = models.AuctionWithdrawing
		if result := tx.Model(&auction).Update("status", auction.Status); result.Error != nil {
			return fmt.Errorf("[%s] Fail to claim auction, err=%w", op, result.Error)
		}

		var aggErr error
		ranked, aggErr = NewAccounting(tx).GetAuctionAggregatedBids(auctionID, []models.BidStatus{models.BidFinished})
		return aggErr
	})
	if err != nil {
		return err
	}
	offer := auction.Offer

	var winner *models.AggregatedBid
	if len(ranked) > 0 && ranked[0].TotalAmount.IsPositive() {
		winner = &ranked[0]
	}

	// 落選者並行退款，單一退款失敗不影響其他人也不影響得標流程
	var wg sync.WaitGroup
	for _, agg := range ranked {
		if winner != nil && agg.BidderAddress == winner.BidderAddress {
			continue
		}
		if !agg.TotalAmount.IsPositive() {
			continue
		}
		wg.Add(1)
		go func(bidder string) {
			defer wg.Done()
			if refundErr := s.withdraw.WithdrawByMarket(ctx, auctionID, bidder); refundErr != nil {
				s.logger.Error("Fail to refund losing bidder",
					slog.String("auction", auctionID.String()),
					slog.String("bidder", bidder),
					slog.Any("error", refundErr))
			}
		}(agg.BidderAddress)
	}
	wg.Wait()

	if winner == nil {
		return s.closeWithoutWinner(ctx, &auction, offer)
	}
	return s.closeWithWinner(ctx, &auction, offer, winner)
}

// closeWithWinner 執行得標流程
// 資產與資金是各自獨立的失敗域: 資產轉移已最終化之後，
// 賣家撥款失敗不回滾資產轉移，只記錄等待人工對帳
func (s *SettleService) closeWithWinner(ctx context.Context, auction *models.Auction, offer *models.Offer, winner *models.AggregatedBid) error {
	const op = "closeWithWinner"
	finalPrice := winner.TotalAmount
	fee := MarketFee(finalPrice, s.commission)
	proceeds := finalPrice.Sub(fee)

	receipt, err := s.escrow.TransferToken(ctx, offer.CollectionID, offer.TokenID, winner.BidderAddress)
	if err != nil || !receipt.IsSucceed {
		if err == nil {
			err = fmt.Errorf("asset transfer transaction failed on ledger")
		}
		// 拍賣停留在withdrawing，留待人工處理，不能冒著資產重複轉移的風險重試
		s.logger.Error("Fail to transfer asset to winner, manual reconciliation required",
			slog.String("auction", auction.ID.String()),
			slog.String("winner", winner.BidderAddress),
			slog.Any("error", err))
		return fmt.Errorf("[%s] Fail to transfer asset for auction %s, err=%w", op, auction.ID, err)
	}
	offer.BlockNumber = receipt.BlockNumber

	if _, proceedsErr := s.escrow.TransferBalance(ctx, offer.Seller, proceeds); proceedsErr != nil {
		s.logger.Error("Seller proceeds transfer failed, manual reconciliation required",
			slog.String("auction", auction.ID.String()),
			slog.String("seller", offer.Seller),
			slog.String("proceeds", proceeds.String()),
			slog.Any("error", proceedsErr))
	} else {
		s.logger.Info("Seller proceeds transferred",
			slog.String("auction", auction.ID.String()),
			slog.String("seller", offer.Seller),
			slog.String("proceeds", proceeds.String()),
			slog.String("marketFee", fee.String()))
	}

	err = s.runner.run(ctx, func(tx *gorm.DB) error {
		// 得標者的資金已轉為成交價款，結清其待退金額
		result := tx.Model(&models.Bid{}).
			Where("auction_id = ? AND bidder_address = ?", auction.ID, winner.BidderAddress).
			Update("pending_amount", decimal.Zero)
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to settle winner bids, err=%w", op, result.Error)
		}

		offer.Status = models.OfferBought
		offer.Price = finalPrice
		offerUpdates := map[string]any{
			"status":       offer.Status,
			"price":        offer.Price,
			"block_number": offer.BlockNumber,
		}
		if result := tx.Model(offer).Updates(offerUpdates); result.Error != nil {
			return fmt.Errorf("[%s] Fail to mark offer as bought, err=%w", op, result.Error)
		}

		auction.Status = models.AuctionEnded
		if result := tx.Model(auction).Update("status", auction.Status); result.Error != nil {
			return fmt.Errorf("[%s] Fail to end auction, err=%w", op, result.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Auction settled",
		slog.String("auction", auction.ID.String()),
		slog.String("winner", winner.BidderAddress),
		slog.String("finalPrice", finalPrice.String()),
		slog.Uint64("block", offer.BlockNumber))
	snapshot := broadcast.SnapshotOf(offer, auction)
	snapshot.Winner = winner.BidderAddress
	if notifyErr := s.notifier.AuctionClosed(snapshot); notifyErr != nil {
		s.logger.Warn("Fail to broadcast auction closed event", slog.Any("error", notifyErr))
	}
	return nil
}

// closeWithoutWinner 處理流標: 資產退回賣家，上架標記為取消
// 沒有任何資金轉移
func (s *SettleService) closeWithoutWinner(ctx context.Context, auction *models.Auction, offer *models.Offer) error {
	const op = "closeWithoutWinner"
	if returnErr := s.cancel.ReturnAssetToSeller(ctx, offer); returnErr != nil {
		s.logger.Error("Fail to return asset to seller",
			slog.String("auction", auction.ID.String()),
			slog.String("seller", offer.Seller),
			slog.Any("error", returnErr))
	}

	err := s.runner.run(ctx, func(tx *gorm.DB) error {
		offer.Status = models.OfferCancelled
		if result := tx.Model(offer).Update("status", offer.Status); result.Error != nil {
			return fmt.Errorf("[%s] Fail to cancel offer, err=%w", op, result.Error)
		}
		auction.Status = models.AuctionEnded
		if result := tx.Model(auction).Update("status", auction.Status); result.Error != nil {
			return fmt.Errorf("[%s] Fail to end auction, err=%w", op, result.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Auction closed without winner",
		slog.String("auction", auction.ID.String()),
		slog.String("seller", offer.Seller))
	if notifyErr := s.notifier.AuctionClosed(broadcast.SnapshotOf(offer, auction)); notifyErr != nil {
		s.logger.Warn("Fail to broadcast auction closed event", slog.Any("error", notifyErr))
	}
	return nil
}

// MarketFee 以整數向下取整計算市場佣金（純函式）
// 金額一律是任意精度整數，絕不使用浮點數
func MarketFee(finalPrice decimal.Decimal, commission int64) decimal.Decimal {
	return finalPrice.
		Mul(decimal.NewFromInt(commission)).
		Div(decimal.NewFromInt(100)).
		Floor()
}
