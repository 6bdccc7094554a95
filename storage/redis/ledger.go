// Package redisstore keeps the activation ledger in Redis.
//
// Keys, under a configurable prefix:
//
//	{prefix}token:{code}          hash   plan, position, consumed_at, consumed_by, school_id
//	{prefix}tokens:trial          zset   trial codes scored by position
//	{prefix}subscription:{school} hash   active, plan, trial_expires_at, paid_expires_at, updated_at
//
// Transactions are optimistic: every key read is WATCHed and the buffered writes are
// applied in one MULTI/EXEC, which fails when a watched key changed.
package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/subscription"
)

const (
	DefaultPrefix     = "shule:"
	defaultTxAttempts = 5
)

// seedScript adds a token unless its key already exists.
var seedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'plan', ARGV[2], 'position', ARGV[3])
if ARGV[2] == 'trial' then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

type (
	tokenHash struct {
		Plan       string `redis:"plan"`
		Position   int    `redis:"position"`
		ConsumedAt string `redis:"consumed_at"`
		ConsumedBy string `redis:"consumed_by"`
		SchoolID   string `redis:"school_id"`
	}

	subscriptionHash struct {
		Active         bool   `redis:"active"`
		Plan           string `redis:"plan"`
		TrialExpiresAt string `redis:"trial_expires_at"`
		PaidExpiresAt  string `redis:"paid_expires_at"`
		UpdatedAt      string `redis:"updated_at"`
	}

	LedgerStore struct {
		rdb        redis.UniversalClient
		prefix     string
		txAttempts int
	}

	ledgerTx struct {
		store    *LedgerStore
		rtx      *redis.Tx
		tokenWrt map[string]subscription.Token
		subWrt   map[string]subscription.Subscription
	}
)

var (
	_ subscription.Store = (*LedgerStore)(nil) // interface compliance check
	_ subscription.Tx    = (*ledgerTx)(nil)
)

// Open connects to Redis and checks the connection.
func Open(ctx context.Context, conf core.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        conf.Addr,
		Password:    conf.Password,
		DB:          conf.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return rdb, nil
}

func NewLedgerStore(rdb redis.UniversalClient, prefix string, txAttempts int) *LedgerStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if txAttempts <= 0 {
		txAttempts = defaultTxAttempts
	}
	return &LedgerStore{rdb: rdb, prefix: prefix, txAttempts: txAttempts}
}

func (store *LedgerStore) tokenKey(code string) string { return store.prefix + "token:" + code }
func (store *LedgerStore) trialKey() string            { return store.prefix + "tokens:trial" }
func (store *LedgerStore) subscriptionKey(schoolID string) string {
	return store.prefix + "subscription:" + schoolID
}

func (store *LedgerStore) RunInTx(ctx context.Context, fn func(tx subscription.Tx) error) error {
	for attempt := 1; attempt <= store.txAttempts; attempt++ {
		err := store.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			ltx := &ledgerTx{
				store:    store,
				rtx:      rtx,
				tokenWrt: make(map[string]subscription.Token),
				subWrt:   make(map[string]subscription.Subscription),
			}
			if err := fn(ltx); err != nil {
				return err
			}
			return ltx.commit(ctx)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return subscription.ErrTransientConflict
}

func (store *LedgerStore) TrialTokens(ctx context.Context) ([]subscription.Token, error) {
	codes, err := store.rdb.ZRange(ctx, store.trialKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing trial tokens")
	}

	pipe := store.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(codes))
	for _, code := range codes {
		cmds = append(cmds, pipe.HGetAll(ctx, store.tokenKey(code)))
	}
	if len(cmds) > 0 {
		if _, err = pipe.Exec(ctx); err != nil {
			return nil, errors.Wrap(err, "reading trial tokens")
		}
	}

	tokens := make([]subscription.Token, 0, len(codes))
	for i, cmd := range cmds {
		tok, found, err := scanToken(cmd, codes[i])
		if err != nil {
			return nil, err
		}
		if found {
			tokens = append(tokens, tok)
		}
	}
	return tokens, nil
}

func (store *LedgerStore) GetSubscription(ctx context.Context, schoolID string) (subscription.Subscription, error) {
	return scanSubscription(store.rdb.HGetAll(ctx, store.subscriptionKey(schoolID)), schoolID)
}

func (store *LedgerStore) SeedTokens(ctx context.Context, tokens []subscription.Token) (int, error) {
	var added int
	for _, tok := range tokens {
		n, err := seedScript.Run(
			ctx, store.rdb,
			[]string{store.tokenKey(tok.Code), store.trialKey()},
			tok.Code, string(tok.Plan), tok.Position,
		).Int()
		if err != nil {
			return added, errors.Wrapf(err, "seeding token %s", tok.Code)
		}
		added += n
	}
	return added, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func scanToken(cmd *redis.MapStringStringCmd, code string) (subscription.Token, bool, error) {
	vals, err := cmd.Result()
	if err != nil {
		return subscription.Token{}, false, errors.Wrap(err, "getting token")
	}
	if len(vals) == 0 {
		return subscription.Token{}, false, nil
	}

	var h tokenHash
	if err = cmd.Scan(&h); err != nil {
		return subscription.Token{}, false, errors.Wrap(err, "scanning token")
	}
	consumedAt, err := parseTime(h.ConsumedAt)
	if err != nil {
		return subscription.Token{}, false, errors.Wrap(err, "parsing consumed_at")
	}
	return subscription.Token{
		Code:       code,
		Plan:       subscription.Plan(h.Plan),
		Position:   h.Position,
		ConsumedAt: consumedAt,
		ConsumedBy: h.ConsumedBy,
		SchoolID:   h.SchoolID,
	}, true, nil
}

func scanSubscription(cmd *redis.MapStringStringCmd, schoolID string) (subscription.Subscription, error) {
	vals, err := cmd.Result()
	if err != nil {
		return subscription.Subscription{}, errors.Wrap(err, "getting subscription")
	}
	sub := subscription.Subscription{SchoolID: schoolID}
	if len(vals) == 0 {
		return sub, nil
	}

	var h subscriptionHash
	if err = cmd.Scan(&h); err != nil {
		return subscription.Subscription{}, errors.Wrap(err, "scanning subscription")
	}
	sub.Active = h.Active
	sub.Plan = subscription.Plan(h.Plan)
	if sub.TrialExpiresAt, err = parseTime(h.TrialExpiresAt); err != nil {
		return subscription.Subscription{}, errors.Wrap(err, "parsing trial_expires_at")
	}
	if sub.PaidExpiresAt, err = parseTime(h.PaidExpiresAt); err != nil {
		return subscription.Subscription{}, errors.Wrap(err, "parsing paid_expires_at")
	}
	updatedAt, err := parseTime(h.UpdatedAt)
	if err != nil {
		return subscription.Subscription{}, errors.Wrap(err, "parsing updated_at")
	}
	if updatedAt != nil {
		sub.UpdatedAt = *updatedAt
	}
	return sub, nil
}

func (ltx *ledgerTx) GetToken(ctx context.Context, code string) (subscription.Token, error) {
	if tok, ok := ltx.tokenWrt[code]; ok {
		return tok, nil
	}
	key := ltx.store.tokenKey(code)
	if err := ltx.rtx.Watch(ctx, key).Err(); err != nil {
		return subscription.Token{}, errors.Wrap(err, "watching token")
	}
	tok, found, err := scanToken(ltx.rtx.HGetAll(ctx, key), code)
	if err != nil {
		return subscription.Token{}, err
	}
	if !found {
		return subscription.Token{}, subscription.ErrUnknownToken
	}
	return tok, nil
}

func (ltx *ledgerTx) ConsumeToken(ctx context.Context, tok subscription.Token) error {
	cur, err := ltx.GetToken(ctx, tok.Code)
	if err != nil {
		return err
	}
	if cur.Consumed() {
		return subscription.ErrTokenAlreadyConsumed
	}
	ltx.tokenWrt[tok.Code] = tok
	return nil
}

func (ltx *ledgerTx) GetSubscription(ctx context.Context, schoolID string) (subscription.Subscription, error) {
	if sub, ok := ltx.subWrt[schoolID]; ok {
		return sub, nil
	}
	key := ltx.store.subscriptionKey(schoolID)
	if err := ltx.rtx.Watch(ctx, key).Err(); err != nil {
		return subscription.Subscription{}, errors.Wrap(err, "watching subscription")
	}
	return scanSubscription(ltx.rtx.HGetAll(ctx, key), schoolID)
}

func (ltx *ledgerTx) MergeSubscription(ctx context.Context, schoolID string, upd subscription.Update) (subscription.Subscription, error) {
	cur, err := ltx.GetSubscription(ctx, schoolID)
	if err != nil {
		return subscription.Subscription{}, err
	}
	merged := cur.Merge(upd)
	merged.SchoolID = schoolID
	ltx.subWrt[schoolID] = merged
	return merged, nil
}

func (ltx *ledgerTx) commit(ctx context.Context) error {
	if len(ltx.tokenWrt) == 0 && len(ltx.subWrt) == 0 {
		return nil
	}
	_, err := ltx.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for code, tok := range ltx.tokenWrt {
			pipe.HSet(ctx, ltx.store.tokenKey(code), map[string]interface{}{
				"consumed_at": formatTime(tok.ConsumedAt),
				"consumed_by": tok.ConsumedBy,
				"school_id":   tok.SchoolID,
			})
		}
		for schoolID, sub := range ltx.subWrt {
			pipe.HSet(ctx, ltx.store.subscriptionKey(schoolID), map[string]interface{}{
				"active":           strconv.FormatBool(sub.Active),
				"plan":             string(sub.Plan),
				"trial_expires_at": formatTime(sub.TrialExpiresAt),
				"paid_expires_at":  formatTime(sub.PaidExpiresAt),
				"updated_at":       sub.UpdatedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		return nil
	})
	return err
}
