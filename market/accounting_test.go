package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gavel/models"
)

func TestAggregateBids(t *testing.T) {
	now := time.Now()
	mkBid := func(bidder string, amount int64, offset time.Duration) models.Bid {
		bid := models.Bid{
			BidderAddress: bidder,
			Amount:        decimal.NewFromInt(amount),
		}
		bid.CreatedAt = now.Add(offset)
		return bid
	}

	t.Run("同一出價者的多筆出價會加總", func(t *testing.T) {
		aggregated := AggregateBids([]models.Bid{
			mkBid("X", 100, 0),
			mkBid("Y", 120, time.Second),
			mkBid("X", 50, 2*time.Second),
		})
		require.Len(t, aggregated, 2)
		assert.Equal(t, "X", aggregated[0].BidderAddress)
		assert.True(t, aggregated[0].TotalAmount.Equal(decimal.NewFromInt(150)))
		assert.Equal(t, "Y", aggregated[1].BidderAddress)
		assert.True(t, aggregated[1].TotalAmount.Equal(decimal.NewFromInt(120)))
	})

	t.Run("同額時先出價者在前", func(t *testing.T) {
		aggregated := AggregateBids([]models.Bid{
			mkBid("first", 100, 0),
			mkBid("second", 100, time.Second),
		})
		require.Len(t, aggregated, 2)
		assert.Equal(t, "first", aggregated[0].BidderAddress)
		assert.Equal(t, "second", aggregated[1].BidderAddress)
	})

	t.Run("後來者追加到同額仍然排在後面", func(t *testing.T) {
		aggregated := AggregateBids([]models.Bid{
			mkBid("first", 100, 0),
			mkBid("second", 60, time.Second),
			mkBid("second", 40, 2*time.Second),
		})
		require.Len(t, aggregated, 2)
		assert.Equal(t, "first", aggregated[0].BidderAddress)
		assert.True(t, aggregated[1].TotalAmount.Equal(decimal.NewFromInt(100)))
	})

	t.Run("空輸入回傳空結果", func(t *testing.T) {
		assert.Empty(t, AggregateBids(nil))
	})
}

func TestBidderPendingRows(t *testing.T) {
	bids := []models.Bid{
		{BidderAddress: "X", PendingAmount: decimal.NewFromInt(100)},
		{BidderAddress: "Y", PendingAmount: decimal.NewFromInt(120)},
		{BidderAddress: "X", PendingAmount: decimal.NewFromInt(50)},
		{BidderAddress: "X", PendingAmount: decimal.NewFromInt(30), IsWithdrawn: true},
	}
	rows, total := BidderPendingRows(bids, "X")
	assert.Len(t, rows, 2)
	assert.True(t, total.Equal(decimal.NewFromInt(150)))

	rows, total = BidderPendingRows(bids, "Z")
	assert.Empty(t, rows)
	assert.True(t, total.IsZero())
}

func TestAccountingQueries(t *testing.T) {
	db := setupDB(t)
	now := time.Now()
	_, auction := seedAuction(t, db, "seller", 100, 10, now.Add(time.Hour))

	seedBid(t, db, auction.ID, "X", 100, models.BidFinished, now.Add(-4*time.Second))
	seedBid(t, db, auction.ID, "Y", 120, models.BidFinished, now.Add(-3*time.Second))
	seedBid(t, db, auction.ID, "X", 50, models.BidMinting, now.Add(-2*time.Second))
	seedBid(t, db, auction.ID, "Z", 999, models.BidError, now.Add(-time.Second))
	// W曾以500領先，但資金已退回
	withdrawn := seedBid(t, db, auction.ID, "W", 500, models.BidFinished, now.Add(-5*time.Second))
	require.NoError(t, db.Model(withdrawn).Updates(map[string]any{
		"is_withdrawn":   true,
		"pending_amount": decimal.Zero,
	}).Error)

	accounting := NewAccounting(db)

	t.Run("GetActiveAuctionContract", func(t *testing.T) {
		offer, err := accounting.GetActiveAuctionContract(7, 42)
		require.NoError(t, err)
		require.NotNil(t, offer.Auction)
		assert.Equal(t, auction.ID, offer.Auction.ID)
		assert.WithinDuration(t, now.Add(time.Hour), offer.Auction.StopAt, time.Second)

		_, err = accounting.GetActiveAuctionContract(7, 43)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("只統計指定狀態的出價", func(t *testing.T) {
		aggregated, err := accounting.GetAuctionAggregatedBids(auction.ID, []models.BidStatus{models.BidFinished})
		require.NoError(t, err)
		require.Len(t, aggregated, 2)
		assert.Equal(t, "Y", aggregated[0].BidderAddress)
		assert.True(t, aggregated[0].TotalAmount.Equal(decimal.NewFromInt(120)))
	})

	t.Run("已提領的出價不列入加總", func(t *testing.T) {
		aggregated, err := accounting.GetAuctionAggregatedBids(auction.ID, []models.BidStatus{models.BidFinished})
		require.NoError(t, err)
		for _, agg := range aggregated {
			assert.NotEqual(t, "W", agg.BidderAddress)
		}
	})

	t.Run("暫定領先者包含minting中的出價", func(t *testing.T) {
		winner, err := accounting.GetAuctionPendingWinner(auction.ID)
		require.NoError(t, err)
		assert.Equal(t, "X", winner.BidderAddress)
		assert.True(t, winner.TotalAmount.Equal(decimal.NewFromInt(150)))
	})

	t.Run("已確認領先者只看finished", func(t *testing.T) {
		winner, err := accounting.GetAuctionCurrentWinner(auction.ID)
		require.NoError(t, err)
		assert.Equal(t, "Y", winner.BidderAddress)
	})
}

func TestFindAuctionsReadyForWithdraw(t *testing.T) {
	db := setupDB(t)
	now := time.Now()

	_, stoppedClean := seedAuction(t, db, "seller", 100, 10, now.Add(-time.Hour))
	require.NoError(t, db.Model(stoppedClean).Update("status", models.AuctionStopped).Error)
	seedBid(t, db, stoppedClean.ID, "X", 100, models.BidFinished, now.Add(-2*time.Hour))

	// 有minting中出價的拍賣不能結算
	offer2 := models.Offer{CollectionID: 8, TokenID: 1, Seller: "seller", Status: models.OfferActive, Price: decimal.Zero}
	require.NoError(t, db.Create(&offer2).Error)
	stoppedBusy := models.Auction{
		OfferID:    offer2.ID,
		Status:     models.AuctionStopped,
		StartPrice: decimal.NewFromInt(100),
		PriceStep:  decimal.NewFromInt(10),
		StopAt:     now.Add(-time.Hour),
	}
	require.NoError(t, db.Create(&stoppedBusy).Error)
	seedBid(t, db, stoppedBusy.ID, "Y", 100, models.BidMinting, now.Add(-2*time.Hour))

	// active的拍賣不在結算範圍
	offer3 := models.Offer{CollectionID: 9, TokenID: 1, Seller: "seller", Status: models.OfferActive, Price: decimal.Zero}
	require.NoError(t, db.Create(&offer3).Error)
	stillActive := models.Auction{
		OfferID:    offer3.ID,
		Status:     models.AuctionActive,
		StartPrice: decimal.NewFromInt(100),
		PriceStep:  decimal.NewFromInt(10),
		StopAt:     now.Add(time.Hour),
	}
	require.NoError(t, db.Create(&stillActive).Error)

	ready, err := NewAccounting(db).FindAuctionsReadyForWithdraw()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, stoppedClean.ID, ready[0].ID)
	require.NotNil(t, ready[0].Offer)
}
