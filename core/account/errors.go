package account

import (
	"errors"
	"fmt"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/credential"
)

var (
	ErrNotFound             = errors.New("account not found")
	ErrIdentityConflict     = errors.New("an account with this email already exists")
	ErrInvalidIdentity      = errors.New("a valid email and a password are required")
	ErrInvalidRole          = errors.New("invalid role")
	ErrInvalidStatus        = errors.New("invalid approval status")
	ErrRelationNotFound     = errors.New("a linked account does not exist")
	ErrInvalidRelation      = errors.New("guardians can only be linked to learners")
	ErrIssuerClosed         = errors.New("identity issuer is closed")
	ErrAuthenticationFailed = errors.New("invalid email or password")
	ErrNotApproved          = errors.New("this account is awaiting approval")
	ErrRejected             = errors.New("this account has been rejected")

	// ErrCleanupFailed marks a provisioning failure that left an identity without a profile.
	ErrCleanupFailed = errors.New("account cleanup failed, manual intervention required")
)

// CleanupError is returned when provisioning failed after the identity was created
// and deleting that identity failed too.
type CleanupError struct {
	UID        string
	Email      string
	Err        error // why provisioning failed
	CleanupErr error // why the identity could not be deleted
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%v: %v (deleting identity %s: %v)", ErrCleanupFailed, e.Err, e.UID, e.CleanupErr)
}

func (e *CleanupError) Unwrap() []error { return []error{ErrCleanupFailed, e.Err} }

// Message returns the human readable message for a provisioning error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range []error{
		ErrCleanupFailed,
		ErrIdentityConflict,
		ErrInvalidIdentity,
		ErrInvalidRole,
		ErrRelationNotFound,
		ErrInvalidRelation,
		ErrNotFound,
		credential.ErrEmptyName,
		credential.ErrNoLoginBase,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	var vErr *core.ValidationError
	if errors.As(err, &vErr) {
		return vErr.Error()
	}
	return "the account could not be created, please try again"
}
