package market

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gavel/adapters/broadcast"
	"gavel/adapters/ledger"
	"gavel/models"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// setupDB 建立測試用的in-memory資料庫
func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Offer{}, &models.Auction{}, &models.Bid{}))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())
	})
	return db
}

// testServiceOptions 測試用的服務選項
// sqlite不支援repeatable read，測試以預設隔離等級執行
func testServiceOptions() []ServiceOption {
	return []ServiceOption{
		WithServiceLogger(testLogger),
		WithTxIsolation(sql.LevelDefault),
	}
}

// seedAuction 建立一組active的上架與拍賣
func seedAuction(t *testing.T, db *gorm.DB, seller string, startPrice, priceStep int64, stopAt time.Time) (*models.Offer, *models.Auction) {
	t.Helper()
	offer := models.Offer{
		CollectionID: 7,
		TokenID:      42,
		Seller:       seller,
		Title:        "test asset",
		Description:  "",
		Status:       models.OfferActive,
		Price:        decimal.Zero,
	}
	require.NoError(t, db.Create(&offer).Error)
	auction := models.Auction{
		OfferID:    offer.ID,
		Status:     models.AuctionActive,
		StartPrice: decimal.NewFromInt(startPrice),
		PriceStep:  decimal.NewFromInt(priceStep),
		StopAt:     stopAt,
	}
	require.NoError(t, db.Create(&auction).Error)
	offer.Auction = &auction
	return &offer, &auction
}

// seedBid 建立一筆出價紀錄，createdAt控制到達順序
func seedBid(t *testing.T, db *gorm.DB, auctionID uuid.UUID, bidder string, amount int64, status models.BidStatus, createdAt time.Time) *models.Bid {
	t.Helper()
	pending := decimal.Zero
	if status == models.BidFinished {
		pending = decimal.NewFromInt(amount)
	}
	bid := models.Bid{
		AuctionID:     auctionID,
		BidderAddress: bidder,
		Amount:        decimal.NewFromInt(amount),
		PendingAmount: pending,
		Status:        status,
	}
	bid.CreatedAt = createdAt
	require.NoError(t, db.Create(&bid).Error)
	return &bid
}

type transferCall struct {
	kind         string
	collectionID uint64
	tokenID      uint64
	to           string
	amount       decimal.Decimal
}

// fakeEscrow 記錄所有帳本操作的測試替身
type fakeEscrow struct {
	mu             sync.Mutex
	calls          []transferCall
	blockNumber    uint64
	submitReceipt  ledger.Receipt
	submitErr      error
	tokenErr       error
	balanceErrFor  map[string]error
	tokenReceipt   *ledger.Receipt
	balanceReceipt *ledger.Receipt
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{
		blockNumber:   100,
		submitReceipt: ledger.Receipt{IsSucceed: true, BlockNumber: 100},
		balanceErrFor: make(map[string]error),
	}
}

func (f *fakeEscrow) Submit(ctx context.Context, tx ledger.SignedTx) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, transferCall{kind: "submit"})
	return f.submitReceipt, f.submitErr
}

func (f *fakeEscrow) TransferToken(ctx context.Context, collectionID, tokenID uint64, to string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return ledger.Receipt{}, f.tokenErr
	}
	f.calls = append(f.calls, transferCall{kind: "token", collectionID: collectionID, tokenID: tokenID, to: to})
	if f.tokenReceipt != nil {
		return *f.tokenReceipt, nil
	}
	return ledger.Receipt{IsSucceed: true, BlockNumber: f.blockNumber}, nil
}

func (f *fakeEscrow) TransferBalance(ctx context.Context, to string, amount decimal.Decimal) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.balanceErrFor[to]; ok {
		return ledger.Receipt{}, err
	}
	f.calls = append(f.calls, transferCall{kind: "balance", to: to, amount: amount})
	if f.balanceReceipt != nil {
		return *f.balanceReceipt, nil
	}
	return ledger.Receipt{IsSucceed: true, BlockNumber: f.blockNumber}, nil
}

func (f *fakeEscrow) tokenTransfers() []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transferCall
	for _, c := range f.calls {
		if c.kind == "token" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeEscrow) balanceTransfers() []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transferCall
	for _, c := range f.calls {
		if c.kind == "balance" {
			out = append(out, c)
		}
	}
	return out
}

// fakeNotifier 記錄所有廣播事件的測試替身
type fakeNotifier struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{}
}

func (f *fakeNotifier) Start() {}
func (f *fakeNotifier) Close() {}

func (f *fakeNotifier) record(kind broadcast.EventKind, snapshot broadcast.OfferSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, broadcast.Event{Kind: kind, Offer: snapshot, At: time.Now()})
	return nil
}

func (f *fakeNotifier) AuctionStarted(s broadcast.OfferSnapshot) error {
	return f.record(broadcast.EventAuctionStarted, s)
}

func (f *fakeNotifier) BidPlaced(s broadcast.OfferSnapshot) error {
	return f.record(broadcast.EventBidPlaced, s)
}

func (f *fakeNotifier) AuctionClosed(s broadcast.OfferSnapshot) error {
	return f.record(broadcast.EventAuctionClosed, s)
}

func (f *fakeNotifier) AuctionCancelled(s broadcast.OfferSnapshot) error {
	return f.record(broadcast.EventAuctionCancelled, s)
}

func (f *fakeNotifier) kinds() []broadcast.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broadcast.EventKind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

// reloadBid 重新載入出價紀錄
func reloadBid(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Bid {
	t.Helper()
	var bid models.Bid
	require.NoError(t, db.First(&bid, "id = ?", id).Error)
	return &bid
}

// reloadAuction 重新載入拍賣
func reloadAuction(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Auction {
	t.Helper()
	var auction models.Auction
	require.NoError(t, db.First(&auction, "id = ?", id).Error)
	return &auction
}

// reloadOffer 重新載入上架
func reloadOffer(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Offer {
	t.Helper()
	var offer models.Offer
	require.NoError(t, db.First(&offer, "id = ?", id).Error)
	return &offer
}
