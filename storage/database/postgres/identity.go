package pgstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
)

const identityColumns = "uid, email, display_name, password_hash, created_at"

type (
	identityRow struct {
		UID          string    `db:"uid"`
		Email        string    `db:"email"`
		DisplayName  string    `db:"display_name"`
		PasswordHash []byte    `db:"password_hash"`
		CreatedAt    time.Time `db:"created_at"`
	}

	identityStore struct {
		db *sqlx.DB
	}

	// issuer holds a dedicated connection for the duration of one provisioning.
	issuer struct {
		mu   sync.Mutex
		conn *sqlx.Conn
	}
)

var (
	_ account.IdentityStore  = (*identityStore)(nil) // interface compliance check
	_ account.IdentityIssuer = (*issuer)(nil)
)

func (row identityRow) identity() account.Identity {
	return account.Identity{
		UID:          row.UID,
		Email:        row.Email,
		DisplayName:  row.DisplayName,
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt.UTC(),
	}
}

func NewIdentityStore(db *sqlx.DB) account.IdentityStore {
	return &identityStore{db: db}
}

// trapNoRowsErr maps psql "no rows" err to account.ErrNotFound
func trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return account.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (store *identityStore) OpenIssuer(ctx context.Context) (account.IdentityIssuer, error) {
	conn, err := store.db.Connx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring connection")
	}
	return &issuer{conn: conn}, nil
}

func (store *identityStore) GetIdentity(ctx context.Context, uid string) (account.Identity, error) {
	if !validIDs(uid) {
		return account.Identity{}, account.ErrNotFound
	}
	var row identityRow
	err := store.db.GetContext(ctx, &row, "SELECT "+identityColumns+" FROM identity WHERE uid = $1", uid)
	if err != nil {
		return account.Identity{}, trapNoRowsErr(err, "finding identity by uid")
	}
	return row.identity(), nil
}

func (store *identityStore) GetIdentityByEmail(ctx context.Context, email string) (account.Identity, error) {
	var row identityRow
	err := store.db.GetContext(ctx, &row, "SELECT "+identityColumns+" FROM identity WHERE email = $1", email)
	if err != nil {
		return account.Identity{}, trapNoRowsErr(err, "finding identity by email")
	}
	return row.identity(), nil
}

func (store *identityStore) SetPasswordHash(ctx context.Context, uid string, hash []byte) error {
	if !validIDs(uid) {
		return account.ErrNotFound
	}
	res, err := store.db.ExecContext(ctx, "UPDATE identity SET password_hash = $2 WHERE uid = $1", uid, hash)
	if err != nil {
		return errors.Wrap(err, "updating password")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (iss *issuer) exec() (*sqlx.Conn, error) {
	if iss.conn == nil {
		return nil, account.ErrIssuerClosed
	}
	return iss.conn, nil
}

func (iss *issuer) CreateIdentity(ctx context.Context, email, password string) (account.Identity, error) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	conn, err := iss.exec()
	if err != nil {
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
	if err = ident.SetPassword(password); err != nil {
		return account.Identity{}, errors.Wrap(err, "hashing password")
	}

	_, err = conn.ExecContext(
		ctx,
		"INSERT INTO identity ("+identityColumns+") VALUES ($1, $2, $3, $4, $5)",
		ident.UID, ident.Email, ident.DisplayName, ident.PasswordHash, ident.CreatedAt,
	)
	if err != nil {
		if pqCode(err) == codeUniqueViolation {
			return account.Identity{}, account.ErrIdentityConflict
		}
		return account.Identity{}, errors.Wrap(err, "inserting identity")
	}
	return ident, nil
}

func (iss *issuer) UpdateDisplayName(ctx context.Context, uid, name string) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	conn, err := iss.exec()
	if err != nil {
		return err
	}
	if !validIDs(uid) {
		return account.ErrNotFound
	}

	res, err := conn.ExecContext(ctx, "UPDATE identity SET display_name = $2 WHERE uid = $1", uid, name)
	if err != nil {
		return errors.Wrap(err, "updating display name")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (iss *issuer) DeleteIdentity(ctx context.Context, uid string) error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	conn, err := iss.exec()
	if err != nil {
		return err
	}
	if !validIDs(uid) {
		return account.ErrNotFound
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM identity WHERE uid = $1", uid)
	if err != nil {
		return errors.Wrap(err, "deleting identity")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (iss *issuer) Close() error {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	if iss.conn == nil {
		return nil
	}
	err := iss.conn.Close()
	iss.conn = nil
	return err
}
