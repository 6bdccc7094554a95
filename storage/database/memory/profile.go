package memdb

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
)

var errProfileExists = errors.New("profile already exists")

type profileStore struct {
	db *profileTable
}

var _ account.ProfileStore = (*profileStore)(nil) // interface compliance check

func NewProfileStore(db *DB) account.ProfileStore {
	return &profileStore{db: db.profile}
}

func (store *profileStore) query() []account.Profile {
	profiles := make([]account.Profile, 0, len(store.db.table))
	for _, p := range store.db.table {
		profiles = append(profiles, copyProfile(p))
	}
	return profiles
}

// linkRole is the role a link target must have.
func linkRole(r account.Role) account.Role {
	if r == account.RoleGuardian {
		return account.RoleLearner
	}
	return account.RoleGuardian
}

func (store *profileStore) CreateProfile(_ context.Context, prof account.Profile) (account.Profile, error) {
	store.db.Lock()
	defer store.db.Unlock()

	if _, ok := store.db.table[prof.ID]; ok {
		return account.Profile{}, errProfileExists
	}

	// check every target before writing anything
	targets := prof.LinkTargets()
	for _, id := range targets {
		target, ok := store.db.table[id]
		if !ok {
			return account.Profile{}, account.ErrRelationNotFound
		}
		if target.Role != linkRole(prof.Role) {
			return account.Profile{}, account.ErrInvalidRelation
		}
	}

	for _, id := range targets {
		target := store.db.table[id]
		if prof.Role == account.RoleGuardian {
			target.GuardianIDs = account.AppendUnique(target.GuardianIDs, prof.ID)
		} else {
			target.LearnerIDs = account.AppendUnique(target.LearnerIDs, prof.ID)
		}
		target.UpdatedAt = prof.UpdatedAt
	}

	stored := copyProfile(&prof)
	store.db.table[prof.ID] = &stored
	return copyProfile(&stored), nil
}

func (store *profileStore) GetProfile(_ context.Context, id string) (account.Profile, error) {
	store.db.RLock()
	defer store.db.RUnlock()

	if prof, ok := store.db.table[id]; ok {
		return copyProfile(prof), nil
	}
	return account.Profile{}, account.ErrNotFound
}

func (store *profileStore) QueryProfiles(_ context.Context, filter account.QueryFilter, orderings []core.DBOrdering) ([]account.Profile, error) {
	store.db.RLock()
	profiles := store.query()
	store.db.RUnlock()

	account.SortProfiles(profiles)
	if !filter.IsEmpty() {
		search := strings.ToLower(filter.Search)
		filtered := make([]account.Profile, 0, len(profiles))
		for _, p := range profiles {
			if search != "" &&
				!strings.Contains(strings.ToLower(p.Name), search) &&
				!strings.Contains(strings.ToLower(p.Email), search) {
				continue
			}
			if len(filter.Roles) > 0 && !slices.Contains(filter.Roles, string(p.Role)) {
				continue
			}
			if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, string(p.Status)) {
				continue
			}
			if filter.Grouping != "" && !strings.EqualFold(p.Grouping, filter.Grouping) {
				continue
			}
			filtered = append(filtered, p)
		}
		profiles = filtered
	}

	if len(orderings) > 0 {
		sort.SliceStable(profiles, func(i, j int) bool {
			for _, ord := range orderings {
				c := compareProfiles(profiles[i], profiles[j], ord.Field)
				if c == 0 {
					continue
				}
				if ord.Ascending {
					return c < 0
				}
				return c > 0
			}
			return false
		})
	}
	return profiles, nil
}

func compareProfiles(a, b account.Profile, field string) int {
	switch field {
	case "name":
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	case "email":
		return strings.Compare(a.Email, b.Email)
	case "role":
		return strings.Compare(string(a.Role), string(b.Role))
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "grouping":
		return strings.Compare(a.Grouping, b.Grouping)
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	}
	return 0
}

func (store *profileStore) SetStatus(_ context.Context, status account.ApprovalStatus, ids ...string) error {
	store.db.Lock()
	defer store.db.Unlock()

	for _, id := range ids {
		if _, ok := store.db.table[id]; !ok {
			return account.ErrNotFound
		}
	}
	now := time.Now().UTC()
	for _, id := range ids {
		prof := store.db.table[id]
		prof.Status = status
		prof.UpdatedAt = now
	}
	return nil
}

func (store *profileStore) LinkGuardian(_ context.Context, guardianID, learnerID string) error {
	store.db.Lock()
	defer store.db.Unlock()

	guardian, ok := store.db.table[guardianID]
	if !ok {
		return account.ErrNotFound
	}
	learner, ok := store.db.table[learnerID]
	if !ok {
		return account.ErrRelationNotFound
	}
	if guardian.Role != account.RoleGuardian || learner.Role != account.RoleLearner {
		return account.ErrInvalidRelation
	}

	now := time.Now().UTC()
	guardian.LearnerIDs = account.AppendUnique(guardian.LearnerIDs, learnerID)
	guardian.UpdatedAt = now
	learner.GuardianIDs = account.AppendUnique(learner.GuardianIDs, guardianID)
	learner.UpdatedAt = now
	return nil
}

func copyProfile(p *account.Profile) account.Profile {
	cp := *p
	cp.LearnerIDs = slices.Clone(p.LearnerIDs)
	cp.GuardianIDs = slices.Clone(p.GuardianIDs)
	return cp
}
