package main

import (
	"context"

	"github.com/gin-gonic/gin"

	"gavel/adapters/ledger"
	"gavel/api"
)

func main() {
	args := ParseArgs()
	if !args.Validate() {
		panic("missing arguments")
	}

	ledgerClient, err := ledger.Dial(
		context.Background(),
		args.ServerConfig.Ledger.Endpoint,
		ledger.WithClientPollInterval(args.ServerConfig.Ledger.PollInterval),
	)
	if err != nil {
		panic(err)
	}

	server, err := api.NewServer(args.ServerConfig, ledgerClient)
	if err != nil {
		panic(err)
	}
	server.Start()
	defer server.Close()

	router := gin.Default()
	server.RegisterRoutes(router)
	if err := router.Run(args.ServerURL); err != nil {
		panic(err)
	}
}
