package broadcast

import (
	"io"
	"log"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

func testSnapshot() OfferSnapshot {
	return OfferSnapshot{
		OfferID:       "9f3c1f5e-1111-2222-3333-444455556666",
		CollectionID:  7,
		TokenID:       42,
		Seller:        "seller",
		OfferStatus:   "active",
		AuctionID:     "9f3c1f5e-aaaa-bbbb-cccc-ddddeeeeffff",
		AuctionStatus: "active",
		StartPrice:    "100",
		PriceStep:     "10",
		Price:         "0",
	}
}
