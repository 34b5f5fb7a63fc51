package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gavel/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")

	// auth config
	pflag.String("auth-secret", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")

	// redis stream keys
	pflag.String("redis-stream-key-for-events", "gavel-market-events", "")

	// ledger config
	pflag.String("ledger-endpoint", "", "")
	pflag.String("ledger-custodian-seed", "", "")
	pflag.Duration("ledger-poll-interval", time.Second, "")

	// market config
	pflag.Int64("market-commission-percent", 10, "")
	pflag.Duration("market-stopping-interval", 5*time.Second, "")
	pflag.Duration("market-withdrawing-interval", 10*time.Second, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GAVEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			Auth: api.AuthConfig{
				Secret: viper.GetString("auth-secret"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
			},
			Redis: api.RedisConfig{
				Addr:     viper.GetString("redis-addr"),
				Password: viper.GetString("redis-password"),
				DB:       viper.GetInt("redis-db"),
				StreamKeys: api.RedisStreamKeys{
					Events: viper.GetString("redis-stream-key-for-events"),
				},
			},
			Ledger: api.LedgerConfig{
				Endpoint:      viper.GetString("ledger-endpoint"),
				CustodianSeed: viper.GetString("ledger-custodian-seed"),
				PollInterval:  viper.GetDuration("ledger-poll-interval"),
			},
			Market: api.MarketConfig{
				CommissionPercent:   viper.GetInt64("market-commission-percent"),
				StoppingInterval:    viper.GetDuration("market-stopping-interval"),
				WithdrawingInterval: viper.GetDuration("market-withdrawing-interval"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.Auth.Secret != "" &&
		args.ServerConfig.Ledger.Endpoint != "" &&
		args.ServerConfig.Ledger.CustodianSeed != ""
}
