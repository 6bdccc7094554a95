package subscription

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrUnauthorized         = errors.New("only administrators can activate a subscription")
	ErrUnknownToken         = errors.New("this activation code does not exist")
	ErrTokenAlreadyConsumed = errors.New("this activation code has already been used")
	ErrTransientConflict    = errors.New("the subscription is busy, please try again")
	ErrNoTrialAvailable     = errors.New("no trial activation is available")
	ErrTenantAlreadyTrialed = errors.New("this school has already used its free trial")
	ErrInvalidPlan          = errors.New("invalid plan")
	ErrInvalidToken         = errors.New("activation code and plan are required")
)

type Plan string

// Plans
const (
	PlanTrial   Plan = "trial"
	PlanMonthly Plan = "monthly"
	PlanTermly  Plan = "termly"
	PlanYearly  Plan = "yearly"
)

var (
	Plans = []Plan{PlanTrial, PlanMonthly, PlanTermly, PlanYearly}

	TrialPeriod = 7 * 24 * time.Hour

	// paid plan lengths in calendar months
	planMonths = map[Plan]int{
		PlanMonthly: 1,
		PlanTermly:  4,
		PlanYearly:  12,
	}
)

func (p Plan) Valid() bool {
	for _, plan := range Plans {
		if p == plan {
			return true
		}
	}
	return false
}

func (p Plan) IsTrial() bool { return p == PlanTrial }

// Token is a single-use activation code. It is unconsumed until ConsumedAt is set, which happens once.
type Token struct {
	Code       string     `json:"code" mapstructure:"code"`
	Plan       Plan       `json:"plan" mapstructure:"plan"`
	Position   int        `json:"position" mapstructure:"position"` // scan order of the trial pool
	ConsumedAt *time.Time `json:"consumed_at,omitempty" mapstructure:"-"`
	ConsumedBy string     `json:"consumed_by,omitempty" mapstructure:"-"`
	SchoolID   string     `json:"school_id,omitempty" mapstructure:"-"`
}

func (t Token) Consumed() bool { return t.ConsumedAt != nil }

// Subscription is the activation state of one school.
// Both expiry fields may be set: a redemption only writes the field of its plan.
type Subscription struct {
	SchoolID       string     `json:"school_id"`
	Active         bool       `json:"active"`
	Plan           Plan       `json:"plan,omitempty"`
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty"`
	PaidExpiresAt  *time.Time `json:"paid_expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ExpiresAt returns the expiry of the current plan.
func (s Subscription) ExpiresAt() *time.Time {
	if s.Plan.IsTrial() {
		return s.TrialExpiresAt
	}
	return s.PaidExpiresAt
}

// Trialed reports whether the school has ever redeemed a trial.
func (s Subscription) Trialed() bool { return s.TrialExpiresAt != nil }

func (s Subscription) Expired(now time.Time) bool {
	exp := s.ExpiresAt()
	return exp == nil || !now.Before(*exp)
}

// Update is a merge patch for a Subscription: nil expiry fields are left untouched.
type Update struct {
	Active         bool
	Plan           Plan
	TrialExpiresAt *time.Time
	PaidExpiresAt  *time.Time
	UpdatedAt      time.Time
}

// Merge applies upd to s.
func (s Subscription) Merge(upd Update) Subscription {
	s.Active = upd.Active
	s.Plan = upd.Plan
	if upd.TrialExpiresAt != nil {
		t := *upd.TrialExpiresAt
		s.TrialExpiresAt = &t
	}
	if upd.PaidExpiresAt != nil {
		t := *upd.PaidExpiresAt
		s.PaidExpiresAt = &t
	}
	s.UpdatedAt = upd.UpdatedAt
	return s
}

// Status is a Subscription as seen at a point in time.
type Status struct {
	Subscription
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Expired        bool       `json:"expired"`
	TrialAvailable bool       `json:"trial_available"`
}
