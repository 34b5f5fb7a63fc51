package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OfferStatus 代表市場上架（Offer）的狀態
type OfferStatus string

const (
	OfferActive         OfferStatus = "active"
	OfferCancelled      OfferStatus = "cancelled"
	OfferBought         OfferStatus = "bought"
	OfferRemovedByAdmin OfferStatus = "removed_by_admin"
)

// Offer 代表市場上的一筆上架資訊
// 每個未取消的上架最多對應一場拍賣，資產以(collection, token)識別
type Offer struct {
	gorm.Model

	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	CollectionID uint64          `gorm:"not null;<-:create;index:idx_offers_asset"`
	TokenID      uint64          `gorm:"not null;<-:create;index:idx_offers_asset"`
	Seller       string          `gorm:"type:varchar(128);not null;<-:create"`
	Title        string          `gorm:"type:varchar(255);not null"`
	Description  string          `gorm:"type:text;not null"`
	Status       OfferStatus     `gorm:"type:varchar(32);not null;index"`
	Price        decimal.Decimal `gorm:"type:numeric;not null"`
	// BlockNumber 記錄得標者資產轉移交易最終化的區塊編號
	BlockNumber uint64 `gorm:"not null;default:0"`

	// 外鍵關聯
	Auction *Auction
}

func (o *Offer) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
