package market

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gavel/models"
)

// Accounting 提供結算所需的查詢，所有方法都在呼叫端提供的交易中執行
// 這個元件只負責讀取，任何寫入都由擁有該欄位的服務在同一個交易邊界內完成
type Accounting struct {
	tx *gorm.DB
}

// NewAccounting 以呼叫端的交易handle建立結算查詢元件
func NewAccounting(tx *gorm.DB) *Accounting {
	return &Accounting{tx: tx}
}

// GetActiveAuctionContract 取得指定資產目前進行中的拍賣
// 上架不存在、沒有對應拍賣、或拍賣不在 active 狀態時回傳 NotFound
func (a *Accounting) GetActiveAuctionContract(collectionID, tokenID uint64) (*models.Offer, error) {
	const op = "GetActiveAuctionContract"
	var offer models.Offer
	result := a.tx.
		Preload("Auction").
		Where("collection_id = ? AND token_id = ? AND status = ?", collectionID, tokenID, models.OfferActive).
		First(&offer)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, notFoundf("no active offer for collection %d token %d", collectionID, tokenID)
		}
		return nil, fmt.Errorf("[%s] Fail to find offer, err=%w", op, result.Error)
	}
	if offer.Auction == nil {
		return nil, notFoundf("offer %s has no auction", offer.ID)
	}
	if offer.Auction.Status != models.AuctionActive {
		return nil, notFoundf("auction %s is not active", offer.Auction.ID)
	}
	return &offer, nil
}

// GetAuctionAggregatedBids 回傳拍賣中限定狀態集合的出價加總，按總額由高到低排序
// 排序是穩定的，同額時較早出價者在前
// 已提領的出價其資金已退回出價者，不列入任何加總
func (a *Accounting) GetAuctionAggregatedBids(auctionID uuid.UUID, statuses []models.BidStatus) ([]models.AggregatedBid, error) {
	const op = "GetAuctionAggregatedBids"
	var bids []models.Bid
	result := a.tx.
		Where("auction_id = ? AND status IN ? AND is_withdrawn = ?", auctionID, statuses, false).
		Order("created_at ASC").
		Find(&bids)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to load bids, err=%w", op, result.Error)
	}
	return AggregateBids(bids), nil
}

// GetAuctionPendingWinner 取得暫定領先者，包含仍在 minting 中的出價
func (a *Accounting) GetAuctionPendingWinner(auctionID uuid.UUID) (*models.AggregatedBid, error) {
	return a.firstAggregated(auctionID, []models.BidStatus{models.BidFinished, models.BidMinting})
}

// GetAuctionCurrentWinner 取得已確認資金的領先者
func (a *Accounting) GetAuctionCurrentWinner(auctionID uuid.UUID) (*models.AggregatedBid, error) {
	return a.firstAggregated(auctionID, []models.BidStatus{models.BidFinished})
}

func (a *Accounting) firstAggregated(auctionID uuid.UUID, statuses []models.BidStatus) (*models.AggregatedBid, error) {
	aggregated, err := a.GetAuctionAggregatedBids(auctionID, statuses)
	if err != nil {
		return nil, err
	}
	if len(aggregated) == 0 {
		return nil, notFoundf("auction %s has no bids in statuses %v", auctionID, statuses)
	}
	return &aggregated[0], nil
}

// FindAuctionsReadyForWithdraw 回傳可以進行結算的拍賣:
// 狀態為 stopped 且沒有任何出價正在 minting（沒有進行中的提領或撥款）
// 這個條件讓結算排程不會和自己或進行中的提領競爭
func (a *Accounting) FindAuctionsReadyForWithdraw() ([]models.Auction, error) {
	const op = "FindAuctionsReadyForWithdraw"
	busy := a.tx.
		Model(&models.Bid{}).
		Select("auction_id").
		Where("status = ?", models.BidMinting)
	var auctions []models.Auction
	result := a.tx.
		Preload("Offer").
		Where("status = ?", models.AuctionStopped).
		Where("id NOT IN (?)", busy).
		Find(&auctions)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to find auctions, err=%w", op, result.Error)
	}
	return auctions, nil
}

// AggregateBids 將出價紀錄按出價者加總並由高到低排序
// 純函式，與儲存引擎無關；輸入順序視為出價的先後順序，
// 總額相同時先出價者排在前面（穩定排序）
func AggregateBids(bids []models.Bid) []models.AggregatedBid {
	totals := make(map[string]int)
	aggregated := make([]models.AggregatedBid, 0, len(bids))
	for _, bid := range bids {
		if idx, ok := totals[bid.BidderAddress]; ok {
			aggregated[idx].TotalAmount = aggregated[idx].TotalAmount.Add(bid.Amount)
			continue
		}
		totals[bid.BidderAddress] = len(aggregated)
		aggregated = append(aggregated, models.AggregatedBid{
			BidderAddress: bid.BidderAddress,
			TotalAmount:   bid.Amount,
		})
	}
	sort.SliceStable(aggregated, func(i, j int) bool {
		return aggregated[i].TotalAmount.GreaterThan(aggregated[j].TotalAmount)
	})
	return aggregated
}

// BidderPendingRows 過濾出單一出價者尚未提領的紀錄並計算 pendingAmount 總和（純函式）
func BidderPendingRows(bids []models.Bid, bidder string) ([]models.Bid, decimal.Decimal) {
	rows := lo.Filter(bids, func(b models.Bid, _ int) bool {
		return b.BidderAddress == bidder && !b.IsWithdrawn
	})
	total := decimal.Zero
	for _, b := range rows {
		total = total.Add(b.PendingAmount)
	}
	return rows, total
}
