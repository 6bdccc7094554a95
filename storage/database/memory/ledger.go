package memdb

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/subscription"
)

var errConflict = errors.New("ledger record changed during transaction")

type ledgerStore struct {
	db *ledgerTables
}

var _ subscription.Store = (*ledgerStore)(nil) // interface compliance check

func NewLedgerStore(db *DB) subscription.Store {
	return &ledgerStore{db: db.ledger}
}

// RunInTx runs fn against a snapshot. Reads record the version they saw; commit fails if any of
// them moved, in which case fn runs again on a fresh snapshot.
func (store *ledgerStore) RunInTx(_ context.Context, fn func(tx subscription.Tx) error) error {
	for attempt := 1; attempt <= store.db.txAttempts; attempt++ {
		tx := &ledgerTx{
			db:       store.db,
			tokenRd:  make(map[string]int),
			subRd:    make(map[string]int),
			tokenWrt: make(map[string]subscription.Token),
			subWrt:   make(map[string]subscription.Subscription),
		}
		if err := fn(tx); err != nil {
			return err
		}
		err := tx.commit()
		if err == nil {
			return nil
		}
		if err != errConflict {
			return err
		}
	}
	return subscription.ErrTransientConflict
}

func (store *ledgerStore) TrialTokens(_ context.Context) ([]subscription.Token, error) {
	store.db.RLock()
	defer store.db.RUnlock()

	tokens := make([]subscription.Token, 0)
	for _, vt := range store.db.tokens {
		if vt.token.Plan.IsTrial() {
			tokens = append(tokens, copyToken(vt.token))
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].Position != tokens[j].Position {
			return tokens[i].Position < tokens[j].Position
		}
		return tokens[i].Code < tokens[j].Code
	})
	return tokens, nil
}

func (store *ledgerStore) GetSubscription(_ context.Context, schoolID string) (subscription.Subscription, error) {
	store.db.RLock()
	defer store.db.RUnlock()

	if vs, ok := store.db.subscriptions[schoolID]; ok {
		return copySubscription(vs.sub), nil
	}
	return subscription.Subscription{SchoolID: schoolID}, nil
}

func (store *ledgerStore) SeedTokens(_ context.Context, tokens []subscription.Token) (int, error) {
	store.db.Lock()
	defer store.db.Unlock()

	var added int
	for _, tok := range tokens {
		if _, ok := store.db.tokens[tok.Code]; ok {
			continue
		}
		store.db.tokens[tok.Code] = versionedToken{token: copyToken(tok), version: 1}
		added++
	}
	return added, nil
}

type ledgerTx struct {
	db       *ledgerTables
	tokenRd  map[string]int // {code: version seen}
	subRd    map[string]int // {schoolID: version seen}, 0 when absent
	tokenWrt map[string]subscription.Token
	subWrt   map[string]subscription.Subscription
}

var _ subscription.Tx = (*ledgerTx)(nil)

func (tx *ledgerTx) GetToken(_ context.Context, code string) (subscription.Token, error) {
	if tok, ok := tx.tokenWrt[code]; ok {
		return copyToken(tok), nil
	}

	tx.db.RLock()
	vt, ok := tx.db.tokens[code]
	tx.db.RUnlock()
	if !ok {
		return subscription.Token{}, subscription.ErrUnknownToken
	}
	if _, seen := tx.tokenRd[code]; !seen {
		tx.tokenRd[code] = vt.version
	}
	return copyToken(vt.token), nil
}

func (tx *ledgerTx) ConsumeToken(ctx context.Context, tok subscription.Token) error {
	if _, err := tx.GetToken(ctx, tok.Code); err != nil {
		return err
	}
	tx.tokenWrt[tok.Code] = copyToken(tok)
	return nil
}

func (tx *ledgerTx) GetSubscription(_ context.Context, schoolID string) (subscription.Subscription, error) {
	if sub, ok := tx.subWrt[schoolID]; ok {
		return copySubscription(sub), nil
	}

	tx.db.RLock()
	vs, ok := tx.db.subscriptions[schoolID]
	tx.db.RUnlock()
	if _, seen := tx.subRd[schoolID]; !seen {
		tx.subRd[schoolID] = vs.version // 0 when absent
	}
	if !ok {
		return subscription.Subscription{SchoolID: schoolID}, nil
	}
	return copySubscription(vs.sub), nil
}

func (tx *ledgerTx) MergeSubscription(ctx context.Context, schoolID string, upd subscription.Update) (subscription.Subscription, error) {
	cur, err := tx.GetSubscription(ctx, schoolID)
	if err != nil {
		return subscription.Subscription{}, err
	}
	merged := cur.Merge(upd)
	merged.SchoolID = schoolID
	tx.subWrt[schoolID] = merged
	return copySubscription(merged), nil
}

func (tx *ledgerTx) commit() error {
	tx.db.Lock()
	defer tx.db.Unlock()

	for code, version := range tx.tokenRd {
		if tx.db.tokens[code].version != version {
			return errConflict
		}
	}
	for schoolID, version := range tx.subRd {
		if tx.db.subscriptions[schoolID].version != version {
			return errConflict
		}
	}

	for code, tok := range tx.tokenWrt {
		vt := tx.db.tokens[code]
		tx.db.tokens[code] = versionedToken{token: tok, version: vt.version + 1}
	}
	for schoolID, sub := range tx.subWrt {
		vs := tx.db.subscriptions[schoolID]
		tx.db.subscriptions[schoolID] = versionedSubscription{sub: sub, version: vs.version + 1}
	}
	return nil
}

func copyToken(tok subscription.Token) subscription.Token {
	if tok.ConsumedAt != nil {
		t := *tok.ConsumedAt
		tok.ConsumedAt = &t
	}
	return tok
}

func copySubscription(sub subscription.Subscription) subscription.Subscription {
	if sub.TrialExpiresAt != nil {
		t := *sub.TrialExpiresAt
		sub.TrialExpiresAt = &t
	}
	if sub.PaidExpiresAt != nil {
		t := *sub.PaidExpiresAt
		sub.PaidExpiresAt = &t
	}
	return sub
}
