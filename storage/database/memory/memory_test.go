package memdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/subscription"
)

func openDB(t *testing.T) *DB {
	db, err := Open(3)
	require.NoError(t, err)
	return db
}

func Test_issuer(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	store := NewIdentityStore(db)

	iss, err := store.OpenIssuer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, OpenIssuers(db))

	tests := []struct {
		name    string
		email   string
		pwd     string
		wantErr error
	}{
		{name: "created", email: " Kofi@Shule.app ", pwd: "kofised"},
		{name: "conflict", email: "kofi@shule.app", pwd: "other", wantErr: account.ErrIdentityConflict},
		{name: "malformed email", email: "kofi-at-shule", pwd: "pwd", wantErr: account.ErrInvalidIdentity},
		{name: "empty password", email: "ama@shule.app", wantErr: account.ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ident, err := iss.CreateIdentity(ctx, tt.email, tt.pwd)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "kofi@shule.app", ident.Email)
			assert.NoError(t, ident.CheckPassword(tt.pwd))
		})
	}

	ident, err := store.GetIdentityByEmail(ctx, "kofi@shule.app")
	require.NoError(t, err)
	require.NoError(t, iss.UpdateDisplayName(ctx, ident.UID, "Kofi"))
	ident, err = store.GetIdentity(ctx, ident.UID)
	require.NoError(t, err)
	assert.Equal(t, "Kofi", ident.DisplayName)

	require.NoError(t, iss.DeleteIdentity(ctx, ident.UID))
	_, err = store.GetIdentity(ctx, ident.UID)
	assert.ErrorIs(t, err, account.ErrNotFound)
	_, err = store.GetIdentityByEmail(ctx, "kofi@shule.app")
	assert.ErrorIs(t, err, account.ErrNotFound)

	require.NoError(t, iss.Close())
	require.NoError(t, iss.Close())
	assert.Equal(t, 0, OpenIssuers(db))
	_, err = iss.CreateIdentity(ctx, "yaw@shule.app", "pwd")
	assert.ErrorIs(t, err, account.ErrIssuerClosed)
}

func newProfile(id, name string, role account.Role, created time.Time) account.Profile {
	return account.Profile{
		ID: id, Name: name, Email: id + "@shule.app", Role: role, Status: account.StatusPending,
		Level: account.DefaultLevel, CreatedAt: created, UpdatedAt: created,
	}
}

func Test_profileStore_CreateProfile_links(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore(openDB(t))
	now := time.Now().UTC()

	_, err := store.CreateProfile(ctx, newProfile("l1", "Ama", account.RoleLearner, now))
	require.NoError(t, err)
	_, err = store.CreateProfile(ctx, newProfile("l2", "Kofi", account.RoleLearner, now))
	require.NoError(t, err)
	_, err = store.CreateProfile(ctx, newProfile("t1", "Mr Owusu", account.RoleInstructor, now))
	require.NoError(t, err)

	t.Run("missing target writes nothing", func(t *testing.T) {
		g := newProfile("g1", "Akua", account.RoleGuardian, now)
		g.LearnerIDs = []string{"l1", "nope"}
		_, err := store.CreateProfile(ctx, g)
		assert.ErrorIs(t, err, account.ErrRelationNotFound)

		_, err = store.GetProfile(ctx, "g1")
		assert.ErrorIs(t, err, account.ErrNotFound)
		l1, err := store.GetProfile(ctx, "l1")
		require.NoError(t, err)
		assert.Empty(t, l1.GuardianIDs)
	})

	t.Run("wrong role writes nothing", func(t *testing.T) {
		g := newProfile("g1", "Akua", account.RoleGuardian, now)
		g.LearnerIDs = []string{"l1", "t1"}
		_, err := store.CreateProfile(ctx, g)
		assert.ErrorIs(t, err, account.ErrInvalidRelation)
		l1, err := store.GetProfile(ctx, "l1")
		require.NoError(t, err)
		assert.Empty(t, l1.GuardianIDs)
	})

	t.Run("guardian linked both ways", func(t *testing.T) {
		g := newProfile("g1", "Akua", account.RoleGuardian, now)
		g.LearnerIDs = []string{"l1", "l2"}
		created, err := store.CreateProfile(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, []string{"l1", "l2"}, created.LearnerIDs)

		for _, id := range []string{"l1", "l2"} {
			l, err := store.GetProfile(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []string{"g1"}, l.GuardianIDs)
		}
	})

	t.Run("link is idempotent", func(t *testing.T) {
		require.NoError(t, store.LinkGuardian(ctx, "g1", "l1"))
		l1, err := store.GetProfile(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, []string{"g1"}, l1.GuardianIDs)
		g1, err := store.GetProfile(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, []string{"l1", "l2"}, g1.LearnerIDs)

		assert.ErrorIs(t, store.LinkGuardian(ctx, "l1", "l2"), account.ErrInvalidRelation)
		assert.ErrorIs(t, store.LinkGuardian(ctx, "g1", "nope"), account.ErrRelationNotFound)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := store.CreateProfile(ctx, newProfile("l1", "Ama", account.RoleLearner, now))
		assert.Error(t, err)
	})
}

func Test_profileStore_QueryProfiles(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore(openDB(t))
	now := time.Now().UTC()

	ama := newProfile("ama", "Ama Serwaa", account.RoleLearner, now.Add(1*time.Hour))
	ama.Grouping = "JHS 2"
	kofi := newProfile("kofi", "Kofi Mensah", account.RoleLearner, now.Add(2*time.Hour))
	kofi.Grouping = "JHS 1"
	owusu := newProfile("owusu", "Mr Owusu", account.RoleInstructor, now.Add(3*time.Hour))
	for _, p := range []account.Profile{ama, kofi, owusu} {
		_, err := store.CreateProfile(ctx, p)
		require.NoError(t, err)
	}
	require.NoError(t, store.SetStatus(ctx, account.StatusApproved, "owusu"))
	assert.ErrorIs(t, store.SetStatus(ctx, account.StatusApproved, "owusu", "nope"), account.ErrNotFound)

	ids := func(profiles []account.Profile) []string {
		out := make([]string, 0, len(profiles))
		for _, p := range profiles {
			out = append(out, p.ID)
		}
		return out
	}

	tests := []struct {
		name      string
		filter    account.QueryFilter
		orderings []core.DBOrdering
		want      []string
	}{
		{name: "all, newest first", want: []string{"owusu", "kofi", "ama"}},
		{name: "search", filter: account.QueryFilter{Search: "MENSAH"}, want: []string{"kofi"}},
		{name: "role", filter: account.QueryFilter{Roles: []string{"learner"}}, want: []string{"kofi", "ama"}},
		{name: "status", filter: account.QueryFilter{Statuses: []string{"approved"}}, want: []string{"owusu"}},
		{name: "grouping", filter: account.QueryFilter{Grouping: "jhs 2"}, want: []string{"ama"}},
		{name: "unknown", filter: account.QueryFilter{Search: "lol"}, want: []string{}},
		{name: "order by name", orderings: []core.DBOrdering{{Field: "name", Ascending: true}}, want: []string{"ama", "kofi", "owusu"}},
		{
			name:      "order by role,-name",
			orderings: []core.DBOrdering{{Field: "role", Ascending: true}, {Field: "name"}},
			want:      []string{"owusu", "kofi", "ama"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.QueryProfiles(ctx, tt.filter, tt.orderings)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func Test_ledgerStore(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(openDB(t))

	n, err := store.SeedTokens(ctx, []subscription.Token{
		{Code: "TRIAL-B", Plan: subscription.PlanTrial, Position: 2},
		{Code: "TRIAL-A", Plan: subscription.PlanTrial, Position: 1},
		{Code: "YEAR-1", Plan: subscription.PlanYearly, Position: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	trials, err := store.TrialTokens(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 2)
	assert.Equal(t, "TRIAL-A", trials[0].Code)
	assert.Equal(t, "TRIAL-B", trials[1].Code)

	sub, err := store.GetSubscription(ctx, "school")
	require.NoError(t, err)
	assert.Equal(t, subscription.Subscription{SchoolID: "school"}, sub)

	t.Run("commit", func(t *testing.T) {
		now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
		err := store.RunInTx(ctx, func(tx subscription.Tx) error {
			tok, err := tx.GetToken(ctx, "YEAR-1")
			if err != nil {
				return err
			}
			tok.ConsumedAt = &now
			if err = tx.ConsumeToken(ctx, tok); err != nil {
				return err
			}
			upd, _ := subscription.UpdateFor(tok.Plan, now)
			_, err = tx.MergeSubscription(ctx, "school", upd)
			return err
		})
		require.NoError(t, err)

		sub, err := store.GetSubscription(ctx, "school")
		require.NoError(t, err)
		assert.True(t, sub.Active)
		require.NotNil(t, sub.PaidExpiresAt)
		assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), *sub.PaidExpiresAt)
	})

	t.Run("fn error aborts", func(t *testing.T) {
		err := store.RunInTx(ctx, func(tx subscription.Tx) error {
			_, err := tx.GetToken(ctx, "nope")
			return err
		})
		assert.ErrorIs(t, err, subscription.ErrUnknownToken)
	})

	t.Run("seeding keeps consumption", func(t *testing.T) {
		n, err := store.SeedTokens(ctx, []subscription.Token{
			{Code: "YEAR-1", Plan: subscription.PlanYearly},
			{Code: "MONTH-1", Plan: subscription.PlanMonthly},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		err = store.RunInTx(ctx, func(tx subscription.Tx) error {
			tok, err := tx.GetToken(ctx, "YEAR-1")
			require.NoError(t, err)
			assert.True(t, tok.Consumed())
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("conflicting writer exhausts attempts", func(t *testing.T) {
		var runs int
		err := store.RunInTx(ctx, func(tx subscription.Tx) error {
			runs++
			if _, err := tx.GetSubscription(ctx, "school"); err != nil {
				return err
			}
			// another writer commits between our read and our commit
			err := store.RunInTx(ctx, func(other subscription.Tx) error {
				_, err := other.MergeSubscription(ctx, "school", subscription.Update{Active: true, Plan: subscription.PlanMonthly})
				return err
			})
			require.NoError(t, err)
			_, err = tx.MergeSubscription(ctx, "school", subscription.Update{Active: false})
			return err
		})
		assert.ErrorIs(t, err, subscription.ErrTransientConflict)
		assert.Equal(t, 3, runs)

		sub, err := store.GetSubscription(ctx, "school")
		require.NoError(t, err)
		assert.True(t, sub.Active, "conflicting transaction must not be applied")
	})
}
