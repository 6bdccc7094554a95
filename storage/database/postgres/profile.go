package pgstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
)

const profileColumns = "id, name, email, role, status, grouping_name, learner_ids, guardian_ids, xp, level, created_at, updated_at"

var (
	// API field -> column
	profileOrderings = map[string]string{
		"name":       "lower(name)",
		"email":      "email",
		"role":       "role",
		"status":     "status",
		"grouping":   "grouping_name",
		"created_at": "created_at",
	}
	defaultProfileOrdering = "created_at DESC, name ASC"
)

type (
	profileRow struct {
		ID          string         `db:"id"`
		Name        string         `db:"name"`
		Email       string         `db:"email"`
		Role        string         `db:"role"`
		Status      string         `db:"status"`
		Grouping    null.String    `db:"grouping_name"`
		LearnerIDs  pq.StringArray `db:"learner_ids"`
		GuardianIDs pq.StringArray `db:"guardian_ids"`
		XP          int            `db:"xp"`
		Level       int            `db:"level"`
		CreatedAt   time.Time      `db:"created_at"`
		UpdatedAt   time.Time      `db:"updated_at"`
	}

	profileStore struct {
		db *sqlx.DB
	}
)

var _ account.ProfileStore = (*profileStore)(nil) // interface compliance check

func NewProfileStore(db *sqlx.DB) account.ProfileStore {
	return &profileStore{db: db}
}

func toProfileRow(p account.Profile) profileRow {
	return profileRow{
		ID:          p.ID,
		Name:        p.Name,
		Email:       p.Email,
		Role:        string(p.Role),
		Status:      string(p.Status),
		Grouping:    null.NewString(p.Grouping, p.Grouping != ""),
		LearnerIDs:  nonNil(p.LearnerIDs),
		GuardianIDs: nonNil(p.GuardianIDs),
		XP:          p.XP,
		Level:       p.Level,
		CreatedAt:   p.CreatedAt.UTC(),
		UpdatedAt:   p.UpdatedAt.UTC(),
	}
}

func (row profileRow) profile() account.Profile {
	return account.Profile{
		ID:          row.ID,
		Name:        row.Name,
		Email:       row.Email,
		Role:        account.Role(row.Role),
		Status:      account.ApprovalStatus(row.Status),
		Grouping:    row.Grouping.String,
		LearnerIDs:  nilIfEmpty(row.LearnerIDs),
		GuardianIDs: nilIfEmpty(row.GuardianIDs),
		XP:          row.XP,
		Level:       row.Level,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}
}

func nonNil(ids []string) pq.StringArray {
	if ids == nil {
		return pq.StringArray{}
	}
	return ids
}

func nilIfEmpty(ids pq.StringArray) []string {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

// linkColumn is the column of a link target that receives the id of a profile with role r.
func linkColumn(r account.Role) string {
	if r == account.RoleGuardian {
		return "guardian_ids"
	}
	return "learner_ids"
}

// linkRole is the role a link target must have.
func linkRole(r account.Role) account.Role {
	if r == account.RoleGuardian {
		return account.RoleLearner
	}
	return account.RoleGuardian
}

// lockRoles locks the given profiles and returns their roles.
func lockRoles(ctx context.Context, tx *sqlx.Tx, ids []string) (map[string]account.Role, error) {
	var rows []struct {
		ID   string `db:"id"`
		Role string `db:"role"`
	}
	err := tx.SelectContext(ctx, &rows, "SELECT id, role FROM profile WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE", pq.Array(ids))
	if err != nil {
		return nil, errors.Wrap(err, "locking profiles")
	}
	roles := make(map[string]account.Role, len(rows))
	for _, r := range rows {
		roles[r.ID] = account.Role(r.Role)
	}
	return roles, nil
}

// appendLink adds id to column of every target that does not hold it yet.
func appendLink(ctx context.Context, tx *sqlx.Tx, column, id string, now time.Time, targets ...string) error {
	q := "UPDATE profile SET " + column + " = array_append(" + column + ", $1::text), updated_at = $2 " +
		"WHERE id = ANY($3::uuid[]) AND NOT ($1::text = ANY(" + column + "))"
	_, err := tx.ExecContext(ctx, q, id, now, pq.Array(targets))
	return errors.Wrap(err, "linking profiles")
}

func (store *profileStore) CreateProfile(ctx context.Context, prof account.Profile) (account.Profile, error) {
	targets := prof.LinkTargets()
	if !validIDs(targets...) {
		return account.Profile{}, account.ErrRelationNotFound
	}

	row := toProfileRow(prof)
	err := withTx(ctx, store.db, nil, func(tx *sqlx.Tx) error {
		// check every target before writing anything
		if len(targets) > 0 {
			roles, err := lockRoles(ctx, tx, targets)
			if err != nil {
				return err
			}
			for _, id := range targets {
				role, ok := roles[id]
				if !ok {
					return account.ErrRelationNotFound
				}
				if role != linkRole(prof.Role) {
					return account.ErrInvalidRelation
				}
			}
		}

		_, err := tx.NamedExecContext(
			ctx,
			"INSERT INTO profile ("+profileColumns+") VALUES "+
				"(:id, :name, :email, :role, :status, :grouping_name, :learner_ids, :guardian_ids, :xp, :level, :created_at, :updated_at)",
			row,
		)
		if err != nil {
			if pqCode(err) == codeForeignKeyViolation {
				return account.ErrNotFound
			}
			return errors.Wrap(err, "inserting profile")
		}

		if len(targets) > 0 {
			return appendLink(ctx, tx, linkColumn(prof.Role), prof.ID, row.UpdatedAt, targets...)
		}
		return nil
	})
	if err != nil {
		return account.Profile{}, err
	}
	return row.profile(), nil
}

func (store *profileStore) GetProfile(ctx context.Context, id string) (account.Profile, error) {
	if !validIDs(id) {
		return account.Profile{}, account.ErrNotFound
	}
	var row profileRow
	if err := store.db.GetContext(ctx, &row, "SELECT "+profileColumns+" FROM profile WHERE id = $1", id); err != nil {
		return account.Profile{}, trapNoRowsErr(err, "finding profile by id")
	}
	return row.profile(), nil
}

func (store *profileStore) QueryProfiles(ctx context.Context, filter account.QueryFilter, orderings []core.DBOrdering) ([]account.Profile, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		where = append(where, "(name ILIKE "+p+" OR email ILIKE "+p+")")
	}
	if len(filter.Roles) > 0 {
		where = append(where, "role = ANY("+arg(pq.Array(filter.Roles))+")")
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(pq.Array(filter.Statuses))+")")
	}
	if filter.Grouping != "" {
		where = append(where, "lower(grouping_name) = lower("+arg(filter.Grouping)+")")
	}

	q := "SELECT " + profileColumns + " FROM profile"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	orderBy := core.OrderBy(orderings, profileOrderings)
	if orderBy == "" {
		orderBy = defaultProfileOrdering
	} else {
		orderBy += ", " + defaultProfileOrdering
	}
	q += " ORDER BY " + orderBy

	var rows []profileRow
	if err := store.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying profiles")
	}
	profiles := make([]account.Profile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, row.profile())
	}
	return profiles, nil
}

func (store *profileStore) SetStatus(ctx context.Context, status account.ApprovalStatus, ids ...string) error {
	if !validIDs(ids...) {
		return account.ErrNotFound
	}
	return withTx(ctx, store.db, nil, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			"UPDATE profile SET status = $1, updated_at = $2 WHERE id = ANY($3::uuid[])",
			string(status), time.Now().UTC(), pq.Array(ids),
		)
		if err != nil {
			return errors.Wrap(err, "updating status")
		}
		if n, _ := res.RowsAffected(); n != int64(len(ids)) {
			return account.ErrNotFound
		}
		return nil
	})
}

func (store *profileStore) LinkGuardian(ctx context.Context, guardianID, learnerID string) error {
	if !validIDs(guardianID) {
		return account.ErrNotFound
	}
	if !validIDs(learnerID) {
		return account.ErrRelationNotFound
	}
	return withTx(ctx, store.db, nil, func(tx *sqlx.Tx) error {
		roles, err := lockRoles(ctx, tx, []string{guardianID, learnerID})
		if err != nil {
			return err
		}
		gRole, ok := roles[guardianID]
		if !ok {
			return account.ErrNotFound
		}
		lRole, ok := roles[learnerID]
		if !ok {
			return account.ErrRelationNotFound
		}
		if gRole != account.RoleGuardian || lRole != account.RoleLearner {
			return account.ErrInvalidRelation
		}

		now := time.Now().UTC()
		if err = appendLink(ctx, tx, "learner_ids", learnerID, now, guardianID); err != nil {
			return err
		}
		return appendLink(ctx, tx, "guardian_ids", guardianID, now, learnerID)
	})
}
