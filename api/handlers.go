package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"gavel/adapters/broadcast"
	"gavel/adapters/ledger"
	"gavel/market"
	"gavel/models"
)

// SignedTxBody 是請求中夾帶的已簽名帳本交易
type SignedTxBody struct {
	Hash    string `json:"hash" binding:"required"`
	Signer  string `json:"signer" binding:"required"`
	Payload string `json:"payload" binding:"required"`
}

func (b SignedTxBody) toSignedTx() (ledger.SignedTx, error) {
	payload, err := base64.StdEncoding.DecodeString(b.Payload)
	if err != nil {
		return ledger.SignedTx{}, fmt.Errorf("invalid transaction payload: %w", err)
	}
	return ledger.SignedTx{Hash: b.Hash, Signer: b.Signer, Payload: payload}, nil
}

type CreateAuctionRequest struct {
	CollectionID uint64       `json:"collectionId" binding:"required"`
	TokenID      uint64       `json:"tokenId" binding:"required"`
	StartPrice   string       `json:"startPrice" binding:"required"`
	PriceStep    string       `json:"priceStep" binding:"required"`
	StopAt       time.Time    `json:"stopAt" binding:"required"`
	Title        string       `json:"title" binding:"required"`
	Description  string       `json:"description"`
	TransferTx   SignedTxBody `json:"transferTx" binding:"required"`
}

type PlaceBidRequest struct {
	Amount    string       `json:"amount" binding:"required"`
	DepositTx SignedTxBody `json:"depositTx" binding:"required"`
}

type WithdrawBidRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type AggregatedBidView struct {
	BidderAddress string `json:"bidderAddress"`
	TotalAmount   string `json:"totalAmount"`
}

type OfferView struct {
	OfferID       string              `json:"offerId"`
	CollectionID  uint64              `json:"collectionId"`
	TokenID       uint64              `json:"tokenId"`
	Seller        string              `json:"seller"`
	Title         string              `json:"title"`
	Description   string              `json:"description"`
	Status        string              `json:"status"`
	Price         string              `json:"price"`
	BlockNumber   uint64              `json:"blockNumber"`
	AuctionStatus string              `json:"auctionStatus"`
	StartPrice    string              `json:"startPrice"`
	PriceStep     string              `json:"priceStep"`
	StopAt        time.Time           `json:"stopAt"`
	Bids          []AggregatedBidView `json:"bids"`
}

// Add a new auction
// (POST /auction)
func (impl *ServerImpl) PostAuction(c *gin.Context) {
	const op = "PostAuction"
	claims, ok := impl.authorize(c)
	if !ok {
		return
	}
	var request CreateAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	// 檢查拍賣結束時間是否合法
	if !request.StopAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "stopAt must be in the future"})
		return
	}
	startPrice, err := decimal.NewFromString(request.StartPrice)
	if err != nil || !startPrice.IsPositive() || !startPrice.IsInteger() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "startPrice must be a positive integer"})
		return
	}
	priceStep, err := decimal.NewFromString(request.PriceStep)
	if err != nil || !priceStep.IsPositive() || !priceStep.IsInteger() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "priceStep must be a positive integer"})
		return
	}
	transferTx, err := request.TransferTx.toSignedTx()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	// 處理上架描述
	title := impl.htmlChecker.Sanitize(request.Title)
	description := impl.htmlChecker.Sanitize(request.Description)

	// 同一個資產同時只能有一個未取消的上架
	offer := models.Offer{
		CollectionID: request.CollectionID,
		TokenID:      request.TokenID,
		Seller:       claims.Address,
		Title:        title,
		Description:  description,
		Status:       models.OfferActive,
		Price:        decimal.Zero,
	}
	auction := models.Auction{
		Status:     models.AuctionCreated,
		StartPrice: startPrice,
		PriceStep:  priceStep,
		StopAt:     request.StopAt,
	}
	err = impl.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		result := tx.Model(&models.Offer{}).
			Where("collection_id = ? AND token_id = ? AND status = ?", request.CollectionID, request.TokenID, models.OfferActive).
			Count(&count)
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to check existing offers, err=%w", op, result.Error)
		}
		if count > 0 {
			return fmt.Errorf("%w: asset is already listed", market.ErrConflict)
		}
		if result := tx.Create(&offer); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create offer, err=%w", op, result.Error)
		}
		auction.OfferID = offer.ID
		if result := tx.Create(&auction); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create auction, err=%w", op, result.Error)
		}
		return nil
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}

	// 送出賣家簽名的資產轉移，資產進入代管後拍賣才開始
	receipt, err := impl.escrow.Submit(requestContext(c), transferTx)
	if err != nil || !receipt.IsSucceed {
		slog.Error("Fail to escrow asset for new auction",
			slog.String("op", op),
			slog.String("offer", offer.ID.String()),
			slog.Any("error", err))
		impl.db.Model(&offer).Update("status", models.OfferCancelled)
		impl.db.Model(&auction).Update("status", models.AuctionEnded)
		c.JSON(http.StatusBadGateway, gin.H{"message": "asset transfer was not accepted by the ledger"})
		return
	}
	if result := impl.db.Model(&auction).Update("status", models.AuctionActive); result.Error != nil {
		slog.Error("Fail to activate auction", slog.String("op", op), slog.Any("error", result.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
		return
	}
	auction.Status = models.AuctionActive

	if err := impl.notifier.AuctionStarted(broadcast.SnapshotOf(&offer, &auction)); err != nil {
		slog.Warn("Fail to broadcast auction started event", slog.Any("error", err))
	}
	c.Header("Location", offer.ID.String())
	c.JSON(http.StatusCreated, gin.H{"offerId": offer.ID.String()})
}

// Get offer details with aggregated bids
// (GET /auction/{offerID})
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	offer, ok := impl.loadOffer(c)
	if !ok {
		return
	}
	var bids []models.Bid
	if offer.Auction != nil {
		result := impl.db.
			Where("auction_id = ? AND status = ? AND is_withdrawn = ?", offer.Auction.ID, models.BidFinished, false).
			Order("created_at ASC").
			Find(&bids)
		if result.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
			return
		}
	}
	aggregated := market.AggregateBids(bids)

	view := OfferView{
		OfferID:      offer.ID.String(),
		CollectionID: offer.CollectionID,
		TokenID:      offer.TokenID,
		Seller:       offer.Seller,
		Title:        offer.Title,
		Description:  offer.Description,
		Status:       string(offer.Status),
		Price:        offer.Price.String(),
		BlockNumber:  offer.BlockNumber,
		Bids: lo.Map(aggregated, func(agg models.AggregatedBid, _ int) AggregatedBidView {
			return AggregatedBidView{
				BidderAddress: agg.BidderAddress,
				TotalAmount:   agg.TotalAmount.String(),
			}
		}),
	}
	if offer.Auction != nil {
		view.AuctionStatus = string(offer.Auction.Status)
		view.StartPrice = offer.Auction.StartPrice.String()
		view.PriceStep = offer.Auction.PriceStep.String()
		view.StopAt = offer.Auction.StopAt
	}
	c.JSON(http.StatusOK, view)
}

// Place a bid on an auction
// (POST /auction/{offerID}/bids)
func (impl *ServerImpl) PostBid(c *gin.Context) {
	claims, ok := impl.authorize(c)
	if !ok {
		return
	}
	offer, ok := impl.loadOffer(c)
	if !ok {
		return
	}
	if offer.Auction == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "offer has no auction"})
		return
	}
	var request PlaceBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(request.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "amount must be a decimal string"})
		return
	}
	depositTx, err := request.DepositTx.toSignedTx()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	bid, err := impl.placement.PlaceBid(requestContext(c), market.PlaceBidRequest{
		AuctionID:     offer.Auction.ID,
		BidderAddress: claims.Address,
		Amount:        amount,
		DepositTx:     depositTx,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"bidId":         bid.ID.String(),
		"pendingAmount": bid.PendingAmount.String(),
	})
}

// Withdraw a losing bid
// (POST /auction/{offerID}/withdraw)
func (impl *ServerImpl) PostWithdraw(c *gin.Context) {
	claims, ok := impl.authorize(c)
	if !ok {
		return
	}
	offer, ok := impl.loadOffer(c)
	if !ok {
		return
	}
	if offer.Auction == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "offer has no auction"})
		return
	}
	var request WithdrawBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(request.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "amount must be a decimal string"})
		return
	}

	err = impl.withdraw.TryWithdrawBid(requestContext(c), market.WithdrawRequest{
		AuctionID:     offer.Auction.ID,
		BidderAddress: claims.Address,
		Amount:        amount,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "withdrawal submitted"})
}

// Cancel an auction without bids
// (DELETE /auction/{offerID})
func (impl *ServerImpl) DeleteAuction(c *gin.Context) {
	claims, ok := impl.authorize(c)
	if !ok {
		return
	}
	offer, ok := impl.loadOffer(c)
	if !ok {
		return
	}
	err := impl.cancel.TryCancelAuction(requestContext(c), market.CancelRequest{
		CollectionID: offer.CollectionID,
		TokenID:      offer.TokenID,
		OwnerAddress: claims.Address,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "auction cancelled"})
}

// Force an active auction to stop at once (admin only)
// (POST /admin/auction/{offerID}/stop)
func (impl *ServerImpl) PostForceStop(c *gin.Context) {
	claims, ok := impl.authorize(c)
	if !ok {
		return
	}
	if !claims.IsAdmin {
		c.JSON(http.StatusForbidden, gin.H{"message": "admin access required"})
		return
	}
	offer, ok := impl.loadOffer(c)
	if !ok {
		return
	}
	if offer.Auction == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "offer has no auction"})
		return
	}
	// stopAt只有管理端的強制收盤可以改動，下一輪掃描就會把拍賣轉為stopped
	result := impl.db.Model(offer.Auction).
		Where("status = ?", models.AuctionActive).
		Update("stop_at", time.Now())
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusConflict, gin.H{"message": "auction is not active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "auction will stop at next sweep"})
}

// loadOffer 依路徑參數載入上架資訊，失敗時直接回寫錯誤
func (impl *ServerImpl) loadOffer(c *gin.Context) (*models.Offer, bool) {
	offerID, err := uuid.Parse(c.Param("offerID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid offer id"})
		return nil, false
	}
	var offer models.Offer
	if result := impl.db.Preload("Auction").First(&offer, "id = ?", offerID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "offer not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
		return nil, false
	}
	return &offer, true
}

// writeDomainError 將服務層錯誤對應到HTTP狀態碼
// Conflict與NotFound會附帶具體原因，讓呼叫端可以重新整理狀態
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, market.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, market.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
	case errors.Is(err, market.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	case errors.Is(err, market.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	default:
		slog.Error("Unhandled service error", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
	}
}
