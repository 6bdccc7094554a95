// Package memdb keeps accounts and the activation ledger in process memory.
// It backs tests and single-instance deployments.
package memdb

import (
	"sync"

	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/subscription"
)

const defaultTxAttempts = 5

type (
	DB struct {
		identity *identityTable
		profile  *profileTable
		ledger   *ledgerTables
	}

	identityTable struct {
		sync.RWMutex
		table       map[string]*account.Identity // {uid: identity}
		byEmail     map[string]string            // {email: uid}
		openIssuers int
	}

	profileTable struct {
		sync.RWMutex
		table map[string]*account.Profile
	}

	ledgerTables struct {
		sync.RWMutex
		tokens        map[string]versionedToken        // {code: token}
		subscriptions map[string]versionedSubscription // {schoolID: subscription}
		txAttempts    int
	}

	versionedToken struct {
		token   subscription.Token
		version int
	}

	versionedSubscription struct {
		sub     subscription.Subscription
		version int
	}
)

// Open returns an empty DB. txAttempts bounds ledger transaction retries (defaults to 5).
func Open(txAttempts int) (*DB, error) {
	if txAttempts <= 0 {
		txAttempts = defaultTxAttempts
	}
	db := &DB{
		identity: &identityTable{
			table:   make(map[string]*account.Identity),
			byEmail: make(map[string]string),
		},
		profile: &profileTable{table: make(map[string]*account.Profile)},
		ledger: &ledgerTables{
			tokens:        make(map[string]versionedToken),
			subscriptions: make(map[string]versionedSubscription),
			txAttempts:    txAttempts,
		},
	}
	return db, nil
}
