package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BidStatus 代表出價紀錄的狀態
//
// created  - 出價已建立，等待資金轉移確認
// minting  - 有一筆提領或結算操作正在進行中，作為應用層互斥旗標
// finished - 資金轉移已確認，出價生效
// error    - 帳本交易失敗，不列入任何統計（終態）
type BidStatus string

const (
	BidCreated  BidStatus = "created"
	BidMinting  BidStatus = "minting"
	BidFinished BidStatus = "finished"
	BidError    BidStatus = "error"
)

// Bid 代表拍賣中的一筆出價紀錄
// 同一位出價者可以有多筆紀錄，有效出價為同一拍賣內所有紀錄的總和
// 不變量: 0 <= PendingAmount <= Amount
type Bid struct {
	gorm.Model

	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AuctionID     uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	BidderAddress string          `gorm:"type:varchar(128);not null;index;<-:create"`
	Amount        decimal.Decimal `gorm:"type:numeric;not null;<-:create"`
	PendingAmount decimal.Decimal `gorm:"type:numeric;not null"`
	Status        BidStatus       `gorm:"type:varchar(32);not null;index"`
	IsWithdrawn   bool            `gorm:"not null;default:false"`

	// 外鍵關聯
	Auction *Auction
}

func (b *Bid) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// AggregatedBid 代表一位出價者在一場拍賣內的出價總和（衍生資料，不落地）
type AggregatedBid struct {
	BidderAddress string
	TotalAmount   decimal.Decimal
}
