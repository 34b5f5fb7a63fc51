package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gavel/adapters/ledger"
	"gavel/models"
)

// WithdrawService 負責出價資金的提領與退款
// PendingAmount 的扣減只由這個服務執行，避免更新遺失
//
// 退款是對外部帳本的網路呼叫，無法納入資料庫交易，
// 因此以 minting 狀態旗標代替資料列鎖: 標記後提交，再送出轉帳。
// 行程在「已標記」與「已撥款」之間中斷時，該筆出價留待人工對帳，
// 這是刻意的取捨，帳本資金絕不能重複撥付
type WithdrawService struct {
	runner txRunner
	escrow ledger.IEscrow
	logger *slog.Logger
}

// WithdrawRequest 是一筆出價者發起的提領
// Amount 是請求端看到的可提領餘額，用來偵測過期的視圖
type WithdrawRequest struct {
	AuctionID     uuid.UUID
	BidderAddress string
	Amount        decimal.Decimal
}

func NewWithdrawService(db *gorm.DB, escrow ledger.IEscrow, opts ...ServiceOption) (*WithdrawService, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if escrow == nil {
		return nil, errors.New("escrow cannot be nil")
	}
	options := newServiceOptions("WithdrawService", opts...)
	return &WithdrawService{
		runner: txRunner{db: db, isolation: options.isolation},
		escrow: escrow,
		logger: options.logger,
	}, nil
}

// TryWithdrawBid 提領出價者的可提領餘額
// 領先中的出價不能提領，只能被更高的出價擠下
func (s *WithdrawService) TryWithdrawBid(ctx context.Context, req WithdrawRequest) error {
	const op = "TryWithdrawBid"
	if !req.Amount.IsPositive() || !req.Amount.IsInteger() {
		return badRequestf("amount must be a positive integer, got %s", req.Amount)
	}
	var claimed []models.Bid
	err := s.runner.run(ctx, func(tx *gorm.DB) error {
		var auction models.Auction
		if result := tx.Preload("Offer").First(&auction, "id = ?", req.AuctionID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return notFoundf("auction %s not found", req.AuctionID)
			}
			return fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
		}
		if auction.Offer == nil || auction.Offer.Status != models.OfferActive {
			return notFoundf("auction %s has no active offer", req.AuctionID)
		}

		var bids []models.Bid
		if result := tx.Where("auction_id = ? AND is_withdrawn = ?", req.AuctionID, false).Order("created_at ASC").Find(&bids); result.Error != nil {
			return fmt.Errorf("[%s] Fail to load bids, err=%w", op, result.Error)
		}
		if len(bids) == 0 {
			return notFoundf("auction %s has no bids", req.AuctionID)
		}

		if PendingLeader(bids) == req.BidderAddress {
			return conflictf("withdrawing the leading bid is not permitted")
		}

		own, total := BidderPendingRows(bids, req.BidderAddress)
		if len(own) == 0 {
			return notFoundf("bidder %s has no bids in auction %s", req.BidderAddress, req.AuctionID)
		}
		for _, bid := range own {
			// minting中的出價已有另一筆操作在進行
			if bid.Status == models.BidMinting {
				return conflictf("bid is being settled, retry later")
			}
		}
		if !total.Equal(req.Amount) {
			return conflictf("bid is being settled, retry later")
		}
		newPending := total.Sub(req.Amount)
		if newPending.IsNegative() {
			return badRequestf("withdrawal %s exceeds pending amount %s", req.Amount, total)
		}

		for i := range own {
			// 只認領已生效的出價，created/error不持有可退資金
			if own[i].Status != models.BidFinished {
				continue
			}
			own[i].PendingAmount = decimal.Zero
			own[i].Status = models.BidMinting
			if result := tx.Save(&own[i]); result.Error != nil {
				return fmt.Errorf("[%s] Fail to claim bid %s, err=%w", op, own[i].ID, result.Error)
			}
			claimed = append(claimed, own[i])
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.refund(ctx, req.AuctionID, req.BidderAddress, req.Amount, claimed)
}

// WithdrawByMarket 在結算時由市場端對落選者全額退款
// 與使用者提領走同一套minting旗標協定，但不做領先者檢查
func (s *WithdrawService) WithdrawByMarket(ctx context.Context, auctionID uuid.UUID, bidder string) error {
	const op = "WithdrawByMarket"
	var (
		claimed []models.Bid
		total   decimal.Decimal
	)
	err := s.runner.run(ctx, func(tx *gorm.DB) error {
		var bids []models.Bid
		result := tx.
			Where("auction_id = ? AND bidder_address = ? AND is_withdrawn = ? AND status = ?",
				auctionID, bidder, false, models.BidFinished).
			Find(&bids)
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to load bids, err=%w", op, result.Error)
		}
		total = decimal.Zero
		for i := range bids {
			if !bids[i].PendingAmount.IsPositive() {
				continue
			}
			total = total.Add(bids[i].PendingAmount)
			bids[i].PendingAmount = decimal.Zero
			bids[i].Status = models.BidMinting
			if result := tx.Save(&bids[i]); result.Error != nil {
				return fmt.Errorf("[%s] Fail to claim bid %s, err=%w", op, bids[i].ID, result.Error)
			}
			claimed = append(claimed, bids[i])
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(claimed) == 0 || total.IsZero() {
		return nil
	}
	return s.refund(ctx, auctionID, bidder, total, claimed)
}

// refund 送出退款轉帳並將出價推進到終態
// 轉帳失敗時不自動重試，出價停留在minting等待人工對帳
func (s *WithdrawService) refund(ctx context.Context, auctionID uuid.UUID, bidder string, amount decimal.Decimal, claimed []models.Bid) error {
	const op = "refund"
	receipt, err := s.escrow.TransferBalance(ctx, bidder, amount)
	if err != nil || !receipt.IsSucceed {
		if err == nil {
			err = fmt.Errorf("refund transaction failed on ledger")
		}
		s.logger.Error("Refund transfer failed, manual reconciliation required",
			slog.String("auction", auctionID.String()),
			slog.String("bidder", bidder),
			slog.String("amount", amount.String()),
			slog.Any("error", err))
		return fmt.Errorf("[%s] Fail to refund bidder %s in auction %s, err=%w", op, bidder, auctionID, err)
	}

	for i := range claimed {
		updates := map[string]any{
			"status":       models.BidFinished,
			"is_withdrawn": true,
		}
		if result := s.runner.db.Model(&claimed[i]).Updates(updates); result.Error != nil {
			s.logger.Error("Refund sent but fail to finish bid",
				slog.String("bid", claimed[i].ID.String()),
				slog.Any("error", result.Error))
		}
	}
	s.logger.Info("Bid refunded",
		slog.String("auction", auctionID.String()),
		slog.String("bidder", bidder),
		slog.String("amount", amount.String()))
	return nil
}

// PendingLeader 找出待結餘額總和最高的出價者（純函式）
// 排名按出價者加總，同額時先出價者領先；輸入的順序視為出價先後
// 沒有任何待結餘額時回傳空字串
func PendingLeader(bids []models.Bid) string {
	totals := make(map[string]int)
	type entry struct {
		bidder string
		total  decimal.Decimal
	}
	ranked := make([]entry, 0, len(bids))
	for _, bid := range bids {
		if idx, ok := totals[bid.BidderAddress]; ok {
			ranked[idx].total = ranked[idx].total.Add(bid.PendingAmount)
			continue
		}
		totals[bid.BidderAddress] = len(ranked)
		ranked = append(ranked, entry{bidder: bid.BidderAddress, total: bid.PendingAmount})
	}
	leader := ""
	best := decimal.Zero
	for _, e := range ranked {
		if e.total.GreaterThan(best) {
			leader = e.bidder
			best = e.total
		}
	}
	return leader
}
