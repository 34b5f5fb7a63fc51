package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"gavel/adapters/broadcast"
	"gavel/adapters/ledger"
	"gavel/market"
	"gavel/models"
)

type ServerImpl struct {
	db          *gorm.DB
	redisClient *redis.Client
	notifier    broadcast.INotifier
	escrow      ledger.IEscrow
	placement   *market.PlacementService
	withdraw    *market.WithdrawService
	cancel      *market.CancelService
	settle      *market.SettleService
	scheduler   *market.Scheduler
	htmlChecker *bluemonday.Policy

	config ServerConfig
}

func NewServer(config ServerConfig, ledgerClient ledger.Client) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := db.AutoMigrate(&models.Offer{}, &models.Auction{}, &models.Bid{}); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate schema, err=%w", op, err)
	}

	// 初始化Redis連線與廣播通知器
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	notifier, err := broadcast.NewNotifier(redisClient, config.Redis.StreamKeys.Events)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create broadcast notifier, err=%w", op, err)
	}

	// 初始化代管帳戶與交易送出元件
	keyring, err := ledger.NewKeyring(config.Ledger.CustodianSeed)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create custodian keyring, err=%w", op, err)
	}
	factory, err := ledger.NewTxFactory(keyring)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create tx factory, err=%w", op, err)
	}
	submitter, err := ledger.NewSubmitter(ledgerClient)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create submitter, err=%w", op, err)
	}
	escrow, err := ledger.NewEscrow(ledgerClient, factory, submitter, keyring.Address())
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create escrow, err=%w", op, err)
	}

	// 初始化結算引擎的各個服務
	placement, err := market.NewPlacementService(db, escrow, notifier)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create placement service, err=%w", op, err)
	}
	withdraw, err := market.NewWithdrawService(db, escrow)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create withdraw service, err=%w", op, err)
	}
	cancel, err := market.NewCancelService(db, escrow, notifier)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create cancel service, err=%w", op, err)
	}
	settle, err := market.NewSettleService(db, escrow, withdraw, cancel, notifier, config.Market.CommissionPercent)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settle service, err=%w", op, err)
	}
	scheduler, err := market.NewScheduler(db, settle,
		market.WithStoppingInterval(config.Market.StoppingInterval),
		market.WithWithdrawingInterval(config.Market.WithdrawingInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create scheduler, err=%w", op, err)
	}

	return &ServerImpl{
		db:          db,
		redisClient: redisClient,
		notifier:    notifier,
		escrow:      escrow,
		placement:   placement,
		withdraw:    withdraw,
		cancel:      cancel,
		settle:      settle,
		scheduler:   scheduler,
		htmlChecker: bluemonday.UGCPolicy(),
		config:      config,
	}, nil
}

func (impl *ServerImpl) Start() {
	// 啟動廣播通知器
	impl.notifier.Start()
	// 啟動收盤排程
	impl.scheduler.Start()
	slog.Info("Server components started")
}

func (impl *ServerImpl) Close() {
	// 先停排程並等待進行中的結算完成，再關閉通知器
	impl.scheduler.Stop()
	impl.notifier.Close()
	if err := impl.redisClient.Close(); err != nil {
		slog.Warn("Fail to close redis client", slog.Any("error", err))
	}
	slog.Info("Server components stopped")
}

// RegisterRoutes 掛載所有HTTP端點
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.POST("/auction", impl.PostAuction)
	router.GET("/auction/:offerID", impl.GetAuction)
	router.DELETE("/auction/:offerID", impl.DeleteAuction)
	router.POST("/auction/:offerID/bids", impl.PostBid)
	router.POST("/auction/:offerID/withdraw", impl.PostWithdraw)
	router.POST("/admin/auction/:offerID/stop", impl.PostForceStop)
}

// authorize 解析請求的存取權杖並回傳呼叫端的帳本地址
func (impl *ServerImpl) authorize(c *gin.Context) (*Claims, bool) {
	token := c.GetHeader("Authorization")
	if token == "" {
		c.JSON(401, gin.H{"message": "missing access token"})
		return nil, false
	}
	claims, err := ParseAndValidateJWT(token, []byte(impl.config.Auth.Secret))
	if err != nil {
		slog.Error("Fail to parse and validate JWT", slog.Any("error", err))
		c.JSON(401, gin.H{"message": "invalid access token"})
		return nil, false
	}
	return claims, true
}

// requestContext 回傳這個請求的context
func requestContext(c *gin.Context) context.Context {
	return c.Request.Context()
}
