package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AuctionStatus 代表拍賣的狀態
//
// 生命週期: created -> active -> stopped -> withdrawing -> ended
// 在沒有任何出價的情況下可以由 active 直接取消為 ended
type AuctionStatus string

const (
	AuctionCreated     AuctionStatus = "created"
	AuctionActive      AuctionStatus = "active"
	AuctionStopped     AuctionStatus = "stopped"
	AuctionWithdrawing AuctionStatus = "withdrawing"
	AuctionEnded       AuctionStatus = "ended"
)

// Auction 代表一場限時拍賣
// 包含起標價、加價幅度與結束時間，結束時間在建立後不可變更
type Auction struct {
	gorm.Model

	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OfferID    uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex;<-:create"`
	Status     AuctionStatus   `gorm:"type:varchar(32);not null;index"`
	StartPrice decimal.Decimal `gorm:"type:numeric;not null;<-:create"`
	PriceStep  decimal.Decimal `gorm:"type:numeric;not null;<-:create"`
	StopAt     time.Time       `gorm:"not null"`

	// 外鍵關聯
	Offer *Offer
	Bids  []Bid
}

func (a *Auction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
