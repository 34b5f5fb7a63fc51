package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"gavel/adapters/broadcast"
	"gavel/adapters/ledger"
	"gavel/models"
)

// CancelService 負責取消還沒有任何出價的拍賣並把資產還給賣家
type CancelService struct {
	runner   txRunner
	escrow   ledger.IEscrow
	notifier broadcast.INotifier
	logger   *slog.Logger
}

// CancelRequest 是一筆賣家發起的取消
type CancelRequest struct {
	CollectionID uint64
	TokenID      uint64
	OwnerAddress string
}

func NewCancelService(db *gorm.DB, escrow ledger.IEscrow, notifier broadcast.INotifier, opts ...ServiceOption) (*CancelService, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if escrow == nil {
		return nil, errors.New("escrow cannot be nil")
	}
	if notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}
	options := newServiceOptions("CancelService", opts...)
	return &CancelService{
		runner:   txRunner{db: db, isolation: options.isolation},
		escrow:   escrow,
		notifier: notifier,
		logger:   options.logger,
	}, nil
}

// TryCancelAuction 取消一場沒有出價的拍賣
// 資料庫步驟完成後（不論成敗）一律嘗試把代管中的資產轉回賣家，
// 歸還失敗只記錄，不影響呼叫端看到的結果；失敗的歸還可以人工重送
func (s *CancelService) TryCancelAuction(ctx context.Context, req CancelRequest) (err error) {
	const op = "TryCancelAuction"
	var offer *models.Offer
	defer func() {
		if offer == nil {
			return
		}
		if returnErr := s.ReturnAssetToSeller(ctx, offer); returnErr != nil {
			s.logger.Error("Fail to return asset to seller",
				slog.Uint64("collection", offer.CollectionID),
				slog.Uint64("token", offer.TokenID),
				slog.String("seller", offer.Seller),
				slog.Any("error", returnErr))
		}
	}()

	err = s.runner.run(ctx, func(tx *gorm.DB) error {
		found, accErr := NewAccounting(tx).GetActiveAuctionContract(req.CollectionID, req.TokenID)
		if accErr != nil {
			return accErr
		}
		offer = found
		if offer.Seller != req.OwnerAddress {
			return unauthorizedf("only the seller can cancel the auction")
		}

		var count int64
		result := tx.Model(&models.Bid{}).
			Where("auction_id = ? AND status <> ?", offer.Auction.ID, models.BidError).
			Count(&count)
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to count bids, err=%w", op, result.Error)
		}
		if count > 0 {
			return conflictf("bids already placed, cannot cancel")
		}

		offer.Status = models.OfferCancelled
		offer.Auction.Status = models.AuctionEnded
		if result := tx.Model(offer).Update("status", offer.Status); result.Error != nil {
			return fmt.Errorf("[%s] Fail to cancel offer, err=%w", op, result.Error)
		}
		if result := tx.Model(offer.Auction).Update("status", offer.Auction.Status); result.Error != nil {
			return fmt.Errorf("[%s] Fail to end auction, err=%w", op, result.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Auction cancelled",
		slog.Uint64("collection", req.CollectionID),
		slog.Uint64("token", req.TokenID))
	if notifyErr := s.notifier.AuctionCancelled(broadcast.SnapshotOf(offer, offer.Auction)); notifyErr != nil {
		s.logger.Warn("Fail to broadcast auction cancelled event", slog.Any("error", notifyErr))
	}
	return nil
}

// ReturnAssetToSeller 把代管中的資產轉回賣家
// 結算流程在流標時也走這條路徑
func (s *CancelService) ReturnAssetToSeller(ctx context.Context, offer *models.Offer) error {
	const op = "ReturnAssetToSeller"
	receipt, err := s.escrow.TransferToken(ctx, offer.CollectionID, offer.TokenID, offer.Seller)
	if err != nil {
		return fmt.Errorf("[%s] Fail to submit asset return, err=%w", op, err)
	}
	if !receipt.IsSucceed {
		return fmt.Errorf("[%s] Asset return transaction failed on ledger, block=%d", op, receipt.BlockNumber)
	}
	return nil
}
