package memdb

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
)

type (
	identityStore struct {
		db *identityTable
	}

	issuer struct {
		db     *identityTable
		mu     sync.Mutex
		closed bool
	}
)

var (
	_ account.IdentityStore  = (*identityStore)(nil) // interface compliance check
	_ account.IdentityIssuer = (*issuer)(nil)
)

func NewIdentityStore(db *DB) account.IdentityStore {
	return &identityStore{db: db.identity}
}

// OpenIssuers returns the number of issuers not closed yet.
func OpenIssuers(db *DB) int {
	db.identity.RLock()
	defer db.identity.RUnlock()
	return db.identity.openIssuers
}

func (store *identityStore) OpenIssuer(_ context.Context) (account.IdentityIssuer, error) {
	store.db.Lock()
	defer store.db.Unlock()
	store.db.openIssuers++
	return &issuer{db: store.db}, nil
}

func (store *identityStore) GetIdentity(_ context.Context, uid string) (account.Identity, error) {
	store.db.RLock()
	defer store.db.RUnlock()

	if ident, ok := store.db.table[uid]; ok {
		return copyIdentity(ident), nil
	}
	return account.Identity{}, account.ErrNotFound
}

func (store *identityStore) GetIdentityByEmail(_ context.Context, email string) (account.Identity, error) {
	store.db.RLock()
	defer store.db.RUnlock()

	if uid, ok := store.db.byEmail[email]; ok {
		return copyIdentity(store.db.table[uid]), nil
	}
	return account.Identity{}, account.ErrNotFound
}

func (store *identityStore) SetPasswordHash(_ context.Context, uid string, hash []byte) error {
	store.db.Lock()
	defer store.db.Unlock()

	ident, ok := store.db.table[uid]
	if !ok {
		return account.ErrNotFound
	}
	ident.PasswordHash = slices.Clone(hash)
	return nil
}

func (iss *issuer) check() error {
	if iss.closed {
		return account.ErrIssuerClosed
	}
	return nil
}

func (iss *issuer) CreateIdentity(_ context.Context, email, password string) (account.Identity, error) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if err := iss.check(); err != nil {
		return account.Identity{}, err
	}

	email = core.CleanString(email, true /* lower */)
	if !account.ValidLoginID(email) || password == "" {
		return account.Identity{}, account.ErrInvalidIdentity
	}

	ident := account.Identity{
		UID:       uuid.NewString(),
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}
	if err := ident.SetPassword(password); err != nil {
		return account.Identity{}, err
	}

	iss.db.Lock()
	defer iss.db.Unlock()
	if _, ok := iss.db.byEmail[email]; ok {
		return account.Identity{}, account.ErrIdentityConflict
	}
	iss.db.table[ident.UID] = &ident
	iss.db.byEmail[email] = ident.UID
	return copyIdentity(&ident), nil
}

func (iss *issuer) UpdateDisplayName(_ context.Context, uid, name string) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if err := iss.check(); err != nil {
		return err
	}

	iss.db.Lock()
	defer iss.db.Unlock()
	ident, ok := iss.db.table[uid]
	if !ok {
		return account.ErrNotFound
	}
	ident.DisplayName = name
	return nil
}

func (iss *issuer) DeleteIdentity(_ context.Context, uid string) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if err := iss.check(); err != nil {
		return err
	}

	iss.db.Lock()
	defer iss.db.Unlock()
	ident, ok := iss.db.table[uid]
	if !ok {
		return account.ErrNotFound
	}
	delete(iss.db.byEmail, ident.Email)
	delete(iss.db.table, uid)
	return nil
}

func (iss *issuer) Close() error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if iss.closed {
		return nil
	}
	iss.closed = true

	iss.db.Lock()
	iss.db.openIssuers--
	iss.db.Unlock()
	return nil
}

func copyIdentity(ident *account.Identity) account.Identity {
	cp := *ident
	cp.PasswordHash = slices.Clone(ident.PasswordHash)
	return cp
}
