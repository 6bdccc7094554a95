package main

import (
	"context"
	"log"
	"os"

	"github.com/trezcool/shule/apps/shared"
	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/storage/database"
	logsvc "github.com/trezcool/shule/services/logger"
)

var migrateFunc = database.Migrate // mockable

func main() {
	conf := core.NewConfig()

	logger, err := logsvc.New("admin", conf)
	if err != nil {
		log.Fatalf("setting up logger: %v", err)
	}

	ctx := context.Background()
	stores, err := shared.OpenStores(ctx, conf)
	if err != nil {
		logger.Fatal("opening stores", err)
	}
	svcs := shared.NewServices(conf, stores, logger, nil)

	cli := commandLine{
		accounts: svcs.Accounts,
		batch:    svcs.Batch,
		ledger:   svcs.Ledger,
		out:      os.Stdout,
	}
	if stores.DB != nil {
		cli.migrate = func(ctx context.Context, command string, args ...string) error {
			return migrateFunc(ctx, stores.DB.DB, command, args...)
		}
	}

	err = cli.run(ctx, os.Args)
	stores.Close()
	logger.Sync()
	if err != nil {
		if err != errHelp {
			logger.Error("admin command failed", err)
			logger.Sync()
		}
		os.Exit(1)
	}
}
