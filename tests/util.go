package testutil

import (
	"context"
	"net/mail"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/credential"
	"github.com/trezcool/shule/core/subscription"
	logsvc "github.com/trezcool/shule/services/logger"
	memdb "github.com/trezcool/shule/storage/database/memory"
)

const (
	SchoolID   = "edutec"
	SchoolName = "Edutec"
	Password   = "Str0ng-Pa55!"
)

// Env wires the account and subscription services on an in-memory database.
type Env struct {
	DB          *memdb.DB
	Identities  account.IdentityStore
	Profiles    account.ProfileStore
	LedgerStore subscription.Store
	Generator   *credential.Generator
	Logger      core.Logger
	Accounts    *account.Service
	Batch       *account.BatchProvisioner
	Ledger      *subscription.Ledger
}

func NewConfig() *core.Config {
	return &core.Config{
		Env:       "TEST",
		TestMode:  true,
		AppName:   "Shule",
		SecretKey: "test-secret",
		School:    core.SchoolConfig{ID: SchoolID, Name: SchoolName},
		Server: core.ServerConfig{
			Address:                   ":0",
			JWTExpirationDelta:        time.Hour,
			JWTRefreshExpirationDelta: 4 * time.Hour,
		},
		DefaultFromEmail: mail.Address{Name: "Shule", Address: "noreply@shule.app"},
		Credentials: core.CredentialsConfig{
			EmailDomain:       "shule.app",
			DefaultSchoolCode: "sc",
			SuffixLen:         4,
		},
		Ledger: core.LedgerConfig{Backend: core.BackendMemory, TxAttempts: 5, RedeemRetries: 3},
	}
}

func NewLogger(t *testing.T) core.Logger {
	return logsvc.NewWithZap(zaptest.NewLogger(t))
}

func NewEnv(t *testing.T) *Env {
	db, err := memdb.Open(5)
	if err != nil {
		t.Fatalf("memdb.Open() failed: %v", err)
	}
	return NewEnvWithStores(t, db, memdb.NewIdentityStore(db), memdb.NewProfileStore(db), memdb.NewLedgerStore(db))
}

// NewEnvWithMetrics is NewEnv reporting to metrics.
func NewEnvWithMetrics(t *testing.T, metrics core.Metrics) *Env {
	db, err := memdb.Open(5)
	if err != nil {
		t.Fatalf("memdb.Open() failed: %v", err)
	}
	return newEnv(t, db, memdb.NewIdentityStore(db), memdb.NewProfileStore(db), memdb.NewLedgerStore(db), metrics)
}

// NewEnvWithStores wires the services on the given stores, letting tests wrap them.
func NewEnvWithStores(
	t *testing.T,
	db *memdb.DB,
	identities account.IdentityStore,
	profiles account.ProfileStore,
	ledgerStore subscription.Store,
) *Env {
	return newEnv(t, db, identities, profiles, ledgerStore, nil)
}

func newEnv(
	t *testing.T,
	db *memdb.DB,
	identities account.IdentityStore,
	profiles account.ProfileStore,
	ledgerStore subscription.Store,
	metrics core.Metrics,
) *Env {
	conf := NewConfig()
	logger := NewLogger(t)
	gen := credential.NewGenerator(conf.Credentials)

	accounts := account.NewService(account.ServiceDeps{
		Identities: identities,
		Profiles:   profiles,
		Generator:  gen,
		SchoolName: conf.School.Name,
		Logger:     logger,
		Metrics:    metrics,
	})
	return &Env{
		DB:          db,
		Identities:  identities,
		Profiles:    profiles,
		LedgerStore: ledgerStore,
		Generator:   gen,
		Logger:      logger,
		Accounts:    accounts,
		Batch:       account.NewBatchProvisioner(accounts, gen, conf.School.Name, logger),
		Ledger: subscription.NewLedger(subscription.LedgerDeps{
			Store:    ledgerStore,
			Roles:    accounts,
			SchoolID: conf.School.ID,
			Logger:   logger,
			Metrics:  metrics,
			Retries:  conf.Ledger.RedeemRetries,
		}),
	}
}

// CreateAccount provisions an account with Password and moves it to status.
func CreateAccount(
	t *testing.T,
	env *Env,
	name, email string,
	role account.Role,
	status account.ApprovalStatus,
	targets ...string,
) account.Profile {
	ctx := context.Background()
	prof, err := env.Accounts.Provision(ctx, account.NewAccount{
		Name:                name,
		Role:                role,
		Email:               email,
		Password:            Password,
		RelationshipTargets: targets,
	})
	if err != nil {
		t.Fatalf("CreateAccount() failed: %v", err)
	}
	if status != account.StatusPending {
		if err = env.Accounts.SetApproval(ctx, status, prof.ID); err != nil {
			t.Fatalf("CreateAccount() failed: %v", err)
		}
		prof.Status = status
	}
	return prof
}

// CreateAdmin provisions an approved administrator.
func CreateAdmin(t *testing.T, env *Env, name, email string) account.Profile {
	return CreateAccount(t, env, name, email, account.RoleAdministrator, account.StatusApproved)
}

func SeedTokens(t *testing.T, env *Env, tokens ...subscription.Token) {
	if _, err := env.Ledger.SeedTokens(context.Background(), tokens); err != nil {
		t.Fatalf("SeedTokens() failed: %v", err)
	}
}
