package shared

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/credential"
	"github.com/trezcool/shule/core/subscription"
	"github.com/trezcool/shule/storage/database"
	memdb "github.com/trezcool/shule/storage/database/memory"
	pgstore "github.com/trezcool/shule/storage/database/postgres"
	redisstore "github.com/trezcool/shule/storage/redis"
)

// Stores holds the account and ledger stores selected by the configuration.
type Stores struct {
	Identities account.IdentityStore
	Profiles   account.ProfileStore
	Ledger     subscription.Store

	DB  *sqlx.DB      // nil unless an engine is postgres
	RDB *redis.Client // nil unless the ledger is in redis
}

// OpenStores opens the configured stores. Accounts live in conf.Database.Engine ("memory" or "postgres"),
// the ledger in conf.Ledger.Backend. A postgres database is created and migrated when needed.
func OpenStores(ctx context.Context, conf *core.Config) (_ *Stores, err error) {
	stores := new(Stores)
	defer func() {
		if err != nil {
			stores.Close()
		}
	}()

	var mem *memdb.DB
	memory := func() (*memdb.DB, error) {
		if mem == nil {
			db, err := memdb.Open(conf.Ledger.TxAttempts)
			if err != nil {
				return nil, errors.Wrap(err, "opening memory database")
			}
			mem = db
		}
		return mem, nil
	}
	postgres := func() (*sqlx.DB, error) {
		if stores.DB == nil {
			if err := database.CreateIfNotExist(ctx, conf); err != nil {
				return nil, errors.Wrap(err, "creating database")
			}
			db, err := database.Open(ctx, conf)
			if err != nil {
				return nil, errors.Wrap(err, "opening database")
			}
			stores.DB = db
			if err = database.MigrateUp(ctx, db.DB); err != nil {
				return nil, errors.Wrap(err, "migrating database")
			}
		}
		return stores.DB, nil
	}

	switch conf.Database.Engine {
	case core.BackendMemory:
		db, err := memory()
		if err != nil {
			return nil, err
		}
		stores.Identities, stores.Profiles = memdb.NewIdentityStore(db), memdb.NewProfileStore(db)
	case core.BackendPostgres:
		db, err := postgres()
		if err != nil {
			return nil, err
		}
		stores.Identities, stores.Profiles = pgstore.NewIdentityStore(db), pgstore.NewProfileStore(db)
	default:
		return nil, errors.Errorf("unknown database engine %q", conf.Database.Engine)
	}

	switch conf.Ledger.Backend {
	case core.BackendMemory:
		db, err := memory()
		if err != nil {
			return nil, err
		}
		stores.Ledger = memdb.NewLedgerStore(db)
	case core.BackendPostgres:
		db, err := postgres()
		if err != nil {
			return nil, err
		}
		stores.Ledger = pgstore.NewLedgerStore(db, conf.Ledger.TxAttempts)
	case core.BackendRedis:
		rdb, err := redisstore.Open(ctx, conf.Redis)
		if err != nil {
			return nil, errors.Wrap(err, "opening redis")
		}
		stores.RDB = rdb
		stores.Ledger = redisstore.NewLedgerStore(rdb, redisstore.DefaultPrefix, conf.Ledger.TxAttempts)
	default:
		return nil, errors.Errorf("unknown ledger backend %q", conf.Ledger.Backend)
	}
	return stores, nil
}

func (s *Stores) Close() {
	if s.DB != nil {
		_ = s.DB.Close()
	}
	if s.RDB != nil {
		_ = s.RDB.Close()
	}
}

// Services are the domain services built on Stores.
type Services struct {
	Generator *credential.Generator
	Accounts  *account.Service
	Batch     *account.BatchProvisioner
	Ledger    *subscription.Ledger
}

func NewServices(conf *core.Config, stores *Stores, logger core.Logger, metrics core.Metrics) *Services {
	gen := credential.NewGenerator(conf.Credentials)
	accounts := account.NewService(account.ServiceDeps{
		Identities: stores.Identities,
		Profiles:   stores.Profiles,
		Generator:  gen,
		SchoolName: conf.School.Name,
		Logger:     logger,
		Metrics:    metrics,
	})
	return &Services{
		Generator: gen,
		Accounts:  accounts,
		Batch:     account.NewBatchProvisioner(accounts, gen, conf.School.Name, logger),
		Ledger: subscription.NewLedger(subscription.LedgerDeps{
			Store:    stores.Ledger,
			Roles:    accounts,
			SchoolID: conf.School.ID,
			Logger:   logger,
			Metrics:  metrics,
			Retries:  conf.Ledger.RedeemRetries,
		}),
	}
}
