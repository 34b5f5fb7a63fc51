package api

import "time"

type ServerConfig struct {
	Auth   AuthConfig
	DB     DBConfig
	Redis  RedisConfig
	Ledger LedgerConfig
	Market MarketConfig
}

type AuthConfig struct {
	// Secret 是驗證市場存取權杖(HS256)用的共享密鑰
	Secret string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	Events string
}

type LedgerConfig struct {
	Endpoint      string
	CustodianSeed string
	PollInterval  time.Duration
}

type MarketConfig struct {
	// CommissionPercent 是結算時自成交價抽取的佣金百分比(整數)
	CommissionPercent   int64
	StoppingInterval    time.Duration
	WithdrawingInterval time.Duration
}
