package subscription

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

var NowFunc = time.Now // mockable

type (
	// Store keeps the activation tokens and the subscription records.
	// Token consumption and subscription writes only happen inside RunInTx.
	Store interface {
		// RunInTx runs fn as one atomic read-modify-write. fn may run several times when
		// concurrent writers conflict and must only act through tx. Errors returned by fn
		// abort the transaction and are returned as is. ErrTransientConflict is returned
		// once conflicts exhaust the store's attempts.
		RunInTx(ctx context.Context, fn func(tx Tx) error) error
		// TrialTokens returns the trial pool ordered by Position.
		TrialTokens(ctx context.Context) ([]Token, error)
		// GetSubscription returns an inactive Subscription when the school has none yet.
		GetSubscription(ctx context.Context, schoolID string) (Subscription, error)
		// SeedTokens adds the tokens not in the store yet and returns how many were added.
		// Existing tokens, consumed or not, are left untouched.
		SeedTokens(ctx context.Context, tokens []Token) (int, error)
	}

	Tx interface {
		// GetToken fails with ErrUnknownToken when code is not in the pool.
		GetToken(ctx context.Context, code string) (Token, error)
		ConsumeToken(ctx context.Context, tok Token) error
		GetSubscription(ctx context.Context, schoolID string) (Subscription, error)
		MergeSubscription(ctx context.Context, schoolID string, upd Update) (Subscription, error)
	}

	RoleChecker interface {
		IsAdministrator(ctx context.Context, uid string) (bool, error)
	}

	LedgerDeps struct {
		Store    Store
		Roles    RoleChecker
		SchoolID string
		Logger   core.Logger
		Metrics  core.Metrics
		Retries  uint // RedeemWithRetry attempts
	}

	// Ledger redeems activation tokens against the subscription of one school.
	Ledger struct {
		store    Store
		roles    RoleChecker
		schoolID string
		logger   core.Logger
		metrics  core.Metrics
		retries  uint
		now      func() time.Time
	}
)

func NewLedger(deps LedgerDeps) *Ledger {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	retries := deps.Retries
	if retries == 0 {
		retries = 3
	}
	return &Ledger{
		store:    deps.Store,
		roles:    deps.Roles,
		schoolID: deps.SchoolID,
		logger:   deps.Logger,
		metrics:  metrics,
		retries:  retries,
		now:      func() time.Time { return NowFunc() },
	}
}

// NormalizeCode trims an activation code. Codes are case-sensitive.
func NormalizeCode(code string) string { return strings.TrimSpace(code) }

func (l *Ledger) authorize(ctx context.Context, uid string) error {
	if uid == "" {
		return ErrUnauthorized
	}
	ok, err := l.roles.IsAdministrator(ctx, uid)
	if err != nil {
		return errors.Wrap(err, "checking administrator role")
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// Redeem consumes the token and extends the school's subscription according to its plan.
// Of concurrent redemptions of one token exactly one succeeds; the others get ErrTokenAlreadyConsumed.
func (l *Ledger) Redeem(ctx context.Context, code, adminUID string) (Subscription, error) {
	if err := l.authorize(ctx, adminUID); err != nil {
		return Subscription{}, err
	}
	code = NormalizeCode(code)
	if code == "" {
		return Subscription{}, ErrUnknownToken
	}
	return l.redeem(ctx, code, adminUID, false)
}

func (l *Ledger) redeem(ctx context.Context, code, adminUID string, firstTrialOnly bool) (Subscription, error) {
	var (
		sub  Subscription
		plan Plan
	)
	err := l.store.RunInTx(ctx, func(tx Tx) error {
		tok, err := tx.GetToken(ctx, code)
		if err != nil {
			return err
		}
		if tok.Consumed() {
			return ErrTokenAlreadyConsumed
		}
		plan = tok.Plan

		if firstTrialOnly {
			cur, err := tx.GetSubscription(ctx, l.schoolID)
			if err != nil {
				return err
			}
			if cur.Trialed() {
				return ErrTenantAlreadyTrialed
			}
		}

		now := l.now().UTC()
		upd, err := UpdateFor(tok.Plan, now)
		if err != nil {
			return err
		}

		tok.ConsumedAt = &now
		tok.ConsumedBy = adminUID
		tok.SchoolID = l.schoolID
		if err = tx.ConsumeToken(ctx, tok); err != nil {
			return err
		}

		sub, err = tx.MergeSubscription(ctx, l.schoolID, upd)
		return err
	})

	outcome := core.OutcomeSuccess
	if err != nil {
		outcome = core.OutcomeFailure
		sub = Subscription{}
	}
	l.metrics.ObserveRedemption(string(plan), outcome)

	if err != nil {
		if errors.Is(err, ErrTransientConflict) {
			l.logger.Warn("activation code redemption conflicted", map[string]interface{}{"school": l.schoolID})
		}
		return Subscription{}, err
	}
	l.logger.Info("activation code redeemed", map[string]interface{}{
		"school": l.schoolID,
		"plan":   plan,
		"admin":  adminUID,
	})
	return sub, nil
}

// RedeemWithRetry is Redeem retried with exponential backoff while it fails with ErrTransientConflict.
func (l *Ledger) RedeemWithRetry(ctx context.Context, code, adminUID string) (Subscription, error) {
	return backoff.Retry(ctx, func() (Subscription, error) {
		sub, err := l.Redeem(ctx, code, adminUID)
		if err != nil && !errors.Is(err, ErrTransientConflict) {
			return sub, backoff.Permanent(err)
		}
		return sub, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(l.retries),
	)
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

// TrialAvailable reports whether the school may still get its one trial.
func (l *Ledger) TrialAvailable(ctx context.Context) (bool, error) {
	sub, err := l.store.GetSubscription(ctx, l.schoolID)
	if err != nil {
		return false, errors.Wrap(err, "getting subscription")
	}
	return !sub.Trialed(), nil
}

// RedeemAnyTrial redeems the first unconsumed trial token of the pool for a school that never had a trial.
// Losing a race on a token moves on to the next one.
func (l *Ledger) RedeemAnyTrial(ctx context.Context, adminUID string) (Subscription, error) {
	if err := l.authorize(ctx, adminUID); err != nil {
		return Subscription{}, err
	}

	for {
		ok, err := l.TrialAvailable(ctx)
		if err != nil {
			return Subscription{}, err
		}
		if !ok {
			return Subscription{}, ErrTenantAlreadyTrialed
		}

		tokens, err := l.store.TrialTokens(ctx)
		if err != nil {
			return Subscription{}, errors.Wrap(err, "listing trial tokens")
		}
		code := ""
		for _, tok := range tokens {
			if !tok.Consumed() && tok.Plan.IsTrial() {
				code = tok.Code
				break
			}
		}
		if code == "" {
			return Subscription{}, ErrNoTrialAvailable
		}

		sub, err := l.redeem(ctx, code, adminUID, true)
		if errors.Is(err, ErrTokenAlreadyConsumed) {
			// someone else got it first; every lost race consumes a token so this ends
			continue
		}
		return sub, err
	}
}

// Status returns the school's subscription as of now.
func (l *Ledger) Status(ctx context.Context) (Status, error) {
	sub, err := l.store.GetSubscription(ctx, l.schoolID)
	if err != nil {
		return Status{}, errors.Wrap(err, "getting subscription")
	}
	now := l.now().UTC()
	return Status{
		Subscription:   sub,
		ExpiresAt:      sub.ExpiresAt(),
		Expired:        sub.Expired(now),
		TrialAvailable: !sub.Trialed(),
	}, nil
}

// SeedTokens validates and stores tokens. Tokens without a position are placed after the given ones, in order.
func (l *Ledger) SeedTokens(ctx context.Context, tokens []Token) (int, error) {
	clean := make([]Token, 0, len(tokens))
	for i, tok := range tokens {
		tok.Code = NormalizeCode(tok.Code)
		tok.Plan = Plan(strings.ToLower(strings.TrimSpace(string(tok.Plan))))
		if tok.Code == "" {
			return 0, core.NewValidationError(ErrInvalidToken, core.FieldError{Field: "code", Error: ErrInvalidToken.Error()})
		}
		if !tok.Plan.Valid() {
			return 0, core.NewValidationError(ErrInvalidPlan, core.FieldError{Field: "plan", Error: ErrInvalidPlan.Error() + ": " + string(tok.Plan)})
		}
		if tok.Position == 0 {
			tok.Position = i + 1
		}
		tok.ConsumedAt, tok.ConsumedBy, tok.SchoolID = nil, "", ""
		clean = append(clean, tok)
	}

	n, err := l.store.SeedTokens(ctx, clean)
	if err != nil {
		return 0, errors.Wrap(err, "seeding tokens")
	}
	l.logger.Info("activation codes seeded", map[string]interface{}{"added": n, "given": len(clean)})
	return n, nil
}
