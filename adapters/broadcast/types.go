package broadcast

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"gavel/models"
)

// EventKind 代表廣播事件的種類
type EventKind string

const (
	EventAuctionStarted   EventKind = "auctionStarted"
	EventBidPlaced        EventKind = "bidPlaced"
	EventAuctionClosed    EventKind = "auctionClosed"
	EventAuctionCancelled EventKind = "auctionCancelled"
)

// OfferSnapshot 是事件攜帶的上架/拍賣快照
// 金額一律以十進位字串序列化，避免精度流失
type OfferSnapshot struct {
	OfferID       string
	CollectionID  uint64
	TokenID       uint64
	Seller        string
	OfferStatus   string
	AuctionID     string
	AuctionStatus string
	StartPrice    string
	PriceStep     string
	Price         string
	StopAt        time.Time
	Winner        string `msgpack:",omitempty"`
}

// Event 是推送給訂閱端的一筆廣播事件
type Event struct {
	Kind  EventKind
	Offer OfferSnapshot
	At    time.Time
}

// SnapshotOf 將上架與拍賣轉成廣播用的快照
func SnapshotOf(offer *models.Offer, auction *models.Auction) OfferSnapshot {
	snapshot := OfferSnapshot{
		OfferID:      offer.ID.String(),
		CollectionID: offer.CollectionID,
		TokenID:      offer.TokenID,
		Seller:       offer.Seller,
		OfferStatus:  string(offer.Status),
		Price:        offer.Price.String(),
	}
	if auction != nil {
		snapshot.AuctionID = auction.ID.String()
		snapshot.AuctionStatus = string(auction.Status)
		snapshot.StartPrice = auction.StartPrice.String()
		snapshot.PriceStep = auction.PriceStep.String()
		snapshot.StopAt = auction.StopAt
	}
	return snapshot
}

// encodeEvent 將事件序列化為stream訊息
// 使用msgpack加上base64，與訂閱端約定的編碼方式一致
func encodeEvent(event Event) (map[string]any, error) {
	bytes, err := msgpack.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}
	return map[string]any{
		"kind": string(event.Kind),
		"data": base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DecodeEvent 將stream訊息還原為事件
func DecodeEvent(message map[string]any) (Event, error) {
	var event Event
	dataStr, ok := message["data"].(string)
	if !ok {
		return event, fmt.Errorf("data field not found or invalid type")
	}
	bytes, err := base64.StdEncoding.DecodeString(dataStr)
	if err != nil {
		return event, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(bytes, &event); err != nil {
		return event, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return event, nil
}
