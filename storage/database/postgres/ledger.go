package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/shule/core/subscription"
)

const (
	defaultTxAttempts = 5

	tokenColumns        = "code, plan, position, consumed_at, consumed_by, school_id"
	subscriptionColumns = "school_id, active, plan, trial_expires_at, paid_expires_at, updated_at"
)

type (
	tokenRow struct {
		Code       string      `db:"code"`
		Plan       string      `db:"plan"`
		Position   int         `db:"position"`
		ConsumedAt null.Time   `db:"consumed_at"`
		ConsumedBy null.String `db:"consumed_by"`
		SchoolID   null.String `db:"school_id"`
	}

	subscriptionRow struct {
		SchoolID       string      `db:"school_id"`
		Active         bool        `db:"active"`
		Plan           null.String `db:"plan"`
		TrialExpiresAt null.Time   `db:"trial_expires_at"`
		PaidExpiresAt  null.Time   `db:"paid_expires_at"`
		UpdatedAt      time.Time   `db:"updated_at"`
	}

	ledgerStore struct {
		db         *sqlx.DB
		txAttempts int
	}

	ledgerTx struct {
		tx *sqlx.Tx
	}
)

var (
	_ subscription.Store = (*ledgerStore)(nil) // interface compliance check
	_ subscription.Tx    = (*ledgerTx)(nil)
)

func utcPtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func (row tokenRow) token() subscription.Token {
	return subscription.Token{
		Code:       row.Code,
		Plan:       subscription.Plan(row.Plan),
		Position:   row.Position,
		ConsumedAt: utcPtr(row.ConsumedAt),
		ConsumedBy: row.ConsumedBy.String,
		SchoolID:   row.SchoolID.String,
	}
}

func (row subscriptionRow) subscription() subscription.Subscription {
	return subscription.Subscription{
		SchoolID:       row.SchoolID,
		Active:         row.Active,
		Plan:           subscription.Plan(row.Plan.String),
		TrialExpiresAt: utcPtr(row.TrialExpiresAt),
		PaidExpiresAt:  utcPtr(row.PaidExpiresAt),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
}

// NewLedgerStore returns a Store running each transaction at SERIALIZABLE isolation,
// retrying up to txAttempts times on serialization failures.
func NewLedgerStore(db *sqlx.DB, txAttempts int) subscription.Store {
	if txAttempts <= 0 {
		txAttempts = defaultTxAttempts
	}
	return &ledgerStore{db: db, txAttempts: txAttempts}
}

func (store *ledgerStore) RunInTx(ctx context.Context, fn func(tx subscription.Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	for attempt := 1; attempt <= store.txAttempts; attempt++ {
		err := withTx(ctx, store.db, opts, func(tx *sqlx.Tx) error {
			return fn(&ledgerTx{tx: tx})
		})
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return subscription.ErrTransientConflict
}

func (store *ledgerStore) TrialTokens(ctx context.Context) ([]subscription.Token, error) {
	var rows []tokenRow
	err := store.db.SelectContext(
		ctx, &rows,
		"SELECT "+tokenColumns+" FROM activation_token WHERE plan = $1 ORDER BY position, code",
		string(subscription.PlanTrial),
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying trial tokens")
	}
	tokens := make([]subscription.Token, 0, len(rows))
	for _, row := range rows {
		tokens = append(tokens, row.token())
	}
	return tokens, nil
}

func (store *ledgerStore) GetSubscription(ctx context.Context, schoolID string) (subscription.Subscription, error) {
	return getSubscription(ctx, store.db, schoolID, false)
}

func (store *ledgerStore) SeedTokens(ctx context.Context, tokens []subscription.Token) (int, error) {
	var added int
	err := withTx(ctx, store.db, nil, func(tx *sqlx.Tx) error {
		for _, tok := range tokens {
			res, err := tx.ExecContext(
				ctx,
				"INSERT INTO activation_token (code, plan, position) VALUES ($1, $2, $3) ON CONFLICT (code) DO NOTHING",
				tok.Code, string(tok.Plan), tok.Position,
			)
			if err != nil {
				return errors.Wrap(err, "inserting token")
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func getSubscription(ctx context.Context, q sqlx.QueryerContext, schoolID string, lock bool) (subscription.Subscription, error) {
	query := "SELECT " + subscriptionColumns + " FROM subscription WHERE school_id = $1"
	if lock {
		query += " FOR UPDATE"
	}
	var row subscriptionRow
	if err := sqlx.GetContext(ctx, q, &row, query, schoolID); err != nil {
		if err == sql.ErrNoRows {
			return subscription.Subscription{SchoolID: schoolID}, nil
		}
		return subscription.Subscription{}, errors.Wrap(err, "getting subscription")
	}
	return row.subscription(), nil
}

func (ltx *ledgerTx) GetToken(ctx context.Context, code string) (subscription.Token, error) {
	var row tokenRow
	err := ltx.tx.GetContext(ctx, &row, "SELECT "+tokenColumns+" FROM activation_token WHERE code = $1 FOR UPDATE", code)
	if err != nil {
		if err == sql.ErrNoRows {
			return subscription.Token{}, subscription.ErrUnknownToken
		}
		return subscription.Token{}, errors.Wrap(err, "getting token")
	}
	return row.token(), nil
}

func (ltx *ledgerTx) ConsumeToken(ctx context.Context, tok subscription.Token) error {
	res, err := ltx.tx.ExecContext(
		ctx,
		"UPDATE activation_token SET consumed_at = $2, consumed_by = $3, school_id = $4 WHERE code = $1 AND consumed_at IS NULL",
		tok.Code,
		null.TimeFromPtr(tok.ConsumedAt),
		null.NewString(tok.ConsumedBy, tok.ConsumedBy != ""),
		null.NewString(tok.SchoolID, tok.SchoolID != ""),
	)
	if err != nil {
		return errors.Wrap(err, "consuming token")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return subscription.ErrTokenAlreadyConsumed
	}
	return nil
}

func (ltx *ledgerTx) GetSubscription(ctx context.Context, schoolID string) (subscription.Subscription, error) {
	return getSubscription(ctx, ltx.tx, schoolID, true)
}

func (ltx *ledgerTx) MergeSubscription(ctx context.Context, schoolID string, upd subscription.Update) (subscription.Subscription, error) {
	cur, err := ltx.GetSubscription(ctx, schoolID)
	if err != nil {
		return subscription.Subscription{}, err
	}
	merged := cur.Merge(upd)
	merged.SchoolID = schoolID

	_, err = ltx.tx.ExecContext(
		ctx,
		"INSERT INTO subscription ("+subscriptionColumns+") VALUES ($1, $2, $3, $4, $5, $6) "+
			"ON CONFLICT (school_id) DO UPDATE SET active = EXCLUDED.active, plan = EXCLUDED.plan, "+
			"trial_expires_at = EXCLUDED.trial_expires_at, paid_expires_at = EXCLUDED.paid_expires_at, "+
			"updated_at = EXCLUDED.updated_at",
		merged.SchoolID,
		merged.Active,
		null.NewString(string(merged.Plan), merged.Plan != ""),
		null.TimeFromPtr(merged.TrialExpiresAt),
		null.TimeFromPtr(merged.PaidExpiresAt),
		merged.UpdatedAt.UTC(),
	)
	if err != nil {
		return subscription.Subscription{}, errors.Wrap(err, "writing subscription")
	}
	return merged, nil
}
