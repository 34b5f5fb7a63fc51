package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gavel/models"
)

func TestStopExpiredAuctions(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	now := time.Now()

	_, expired := seedAuction(t, db, "seller", 100, 10, now.Add(-time.Minute))

	offer2 := models.Offer{CollectionID: 8, TokenID: 1, Seller: "seller", Status: models.OfferActive}
	require.NoError(t, db.Create(&offer2).Error)
	running := models.Auction{
		OfferID:    offer2.ID,
		Status:     models.AuctionActive,
		StartPrice: expired.StartPrice,
		PriceStep:  expired.PriceStep,
		StopAt:     now.Add(time.Hour),
	}
	require.NoError(t, db.Create(&running).Error)

	settle, _, _ := newSettleFixture(t, db, 10)
	scheduler, err := NewScheduler(db, settle, WithSchedulerLogger(testLogger))
	require.NoError(t, err)

	require.NoError(t, scheduler.StopExpiredAuctions(ctx))
	assert.Equal(t, models.AuctionStopped, reloadAuction(t, db, expired.ID).Status)
	assert.Equal(t, models.AuctionActive, reloadAuction(t, db, running.ID).Status)

	// 冪等: 再跑一次不會改變任何狀態
	require.NoError(t, scheduler.StopExpiredAuctions(ctx))
	assert.Equal(t, models.AuctionStopped, reloadAuction(t, db, expired.ID).Status)
	assert.Equal(t, models.AuctionActive, reloadAuction(t, db, running.ID).Status)
}

func TestRunWithdrawPass(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	now := time.Now()

	offer, auction := seedAuction(t, db, "seller", 100, 10, now.Add(-time.Minute))
	stopAuction(t, db, auction)
	seedBid(t, db, auction.ID, "X", 100, models.BidFinished, now.Add(-time.Second))

	settle, escrow, _ := newSettleFixture(t, db, 10)
	scheduler, err := NewScheduler(db, settle, WithSchedulerLogger(testLogger))
	require.NoError(t, err)

	// tick回傳時本輪結算必須已完成
	require.NoError(t, scheduler.RunWithdrawPass(ctx))

	assert.Equal(t, models.AuctionEnded, reloadAuction(t, db, auction.ID).Status)
	assert.Equal(t, models.OfferBought, reloadOffer(t, db, offer.ID).Status)
	require.Len(t, escrow.tokenTransfers(), 1)

	// 已結算的拍賣不會被再次處理
	require.NoError(t, scheduler.RunWithdrawPass(ctx))
	assert.Len(t, escrow.tokenTransfers(), 1)
}

func TestSchedulerStartStop(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	db := setupDB(t)
	settle, _, _ := newSettleFixture(t, db, 10)
	scheduler, err := NewScheduler(db, settle,
		WithSchedulerLogger(testLogger),
		WithStoppingInterval(10*time.Millisecond),
		WithWithdrawingInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	scheduler.Start()
	// 重複Start不會再起新的迴圈
	scheduler.Start()
	time.Sleep(50 * time.Millisecond)
	scheduler.Stop()
	// 重複Stop是安全的
	scheduler.Stop()
}

func TestSchedulerConcurrentStartStop(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	db := setupDB(t)
	settle, _, _ := newSettleFixture(t, db, 10)
	scheduler, err := NewScheduler(db, settle,
		WithSchedulerLogger(testLogger),
		WithStoppingInterval(5*time.Millisecond),
		WithWithdrawingInterval(5*time.Millisecond),
	)
	require.NoError(t, err)

	// 並行的Start與Stop交錯執行必須安全
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			scheduler.Start()
		}()
		go func() {
			defer wg.Done()
			scheduler.Stop()
		}()
	}
	wg.Wait()
	scheduler.Stop()
}
