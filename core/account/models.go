package account

import (
	"sort"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/shule/core"
)

type Role string

// Roles
const (
	RoleLearner       Role = "learner"
	RoleInstructor    Role = "instructor"
	RoleGuardian      Role = "guardian"
	RoleAdministrator Role = "administrator"
)

var Roles = []Role{RoleLearner, RoleInstructor, RoleGuardian, RoleAdministrator}

func (r Role) Valid() bool {
	for _, role := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

type ApprovalStatus string

// Approval statuses
const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

func (s ApprovalStatus) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// Profile defaults
const (
	DefaultXP    = 0
	DefaultLevel = 1
)

// Identity is an authenticatable principal. It is never updated after creation except for its password.
type Identity struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"` // UTC
}

func (i *Identity) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	i.PasswordHash = hash
	return nil
}

func (i *Identity) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(i.PasswordHash, []byte(pwd))
}

// Profile holds the school data of an Identity. Profile.ID always equals Identity.UID.
type Profile struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Role        Role           `json:"role"`
	Status      ApprovalStatus `json:"status"`
	Grouping    string         `json:"grouping,omitempty"`
	LearnerIDs  []string       `json:"learner_ids,omitempty"`  // guardians only
	GuardianIDs []string       `json:"guardian_ids,omitempty"` // learners only
	XP          int            `json:"xp"`
	Level       int            `json:"level"`
	CreatedAt   time.Time      `json:"created_at"` // UTC
	UpdatedAt   time.Time      `json:"updated_at"` // UTC
}

func (p Profile) IsAdministrator() bool { return p.Role == RoleAdministrator }
func (p Profile) IsApproved() bool      { return p.Status == StatusApproved }

// LinkTargets returns the profile ids this profile must be linked back from.
func (p Profile) LinkTargets() []string {
	switch p.Role {
	case RoleGuardian:
		return p.LearnerIDs
	case RoleLearner:
		return p.GuardianIDs
	}
	return nil
}

// NewAccount contains information needed to provision a new account.
type NewAccount struct {
	Name                string   `json:"name" validate:"required,notblank"`
	Role                Role     `json:"role" validate:"required,role"`
	Email               string   `json:"email" validate:"omitempty,email"`
	Password            string   `json:"password"`
	Grouping            string   `json:"grouping"`
	RelationshipTargets []string `json:"relationship_targets" validate:"omitempty,dive,required"`
}

func (na *NewAccount) Clean() {
	na.Name = core.CleanString(na.Name)
	na.Email = core.CleanString(na.Email, true /* lower */)
	na.Grouping = core.CleanString(na.Grouping)
	na.RelationshipTargets = uniqueIDs(na.RelationshipTargets)
}

type QueryFilter struct {
	Search   string   `query:"search"`
	Roles    []string `query:"role"`
	Statuses []string `query:"status"`
	Grouping string   `query:"grouping"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Roles == nil && qf.Statuses == nil && qf.Grouping == ""
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.Grouping = core.CleanString(qf.Grouping)
}

// uniqueIDs trims, drops empty and duplicate ids, keeping the first occurrence order.
func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = core.CleanString(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// AppendUnique adds id to ids if absent.
func AppendUnique(ids []string, id string) []string {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

// SortProfiles orders profiles the way stores return them by default: newest first, then by name.
func SortProfiles(profiles []Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		if !profiles[i].CreatedAt.Equal(profiles[j].CreatedAt) {
			return profiles[i].CreatedAt.After(profiles[j].CreatedAt)
		}
		return profiles[i].Name < profiles[j].Name
	})
}
