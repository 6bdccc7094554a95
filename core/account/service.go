package account

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/credential"
)

var (
	NowFunc = time.Now // mockable

	loginIDValidate = validator.New()
)

type (
	// IdentityIssuer is a scoped session allowed to create identities on behalf of an administrator.
	// Creating identities through it never signs the caller in as the new account.
	IdentityIssuer interface {
		// CreateIdentity fails with ErrIdentityConflict when the email is taken
		// and ErrInvalidIdentity when the email is malformed or the password empty.
		CreateIdentity(ctx context.Context, email, password string) (Identity, error)
		UpdateDisplayName(ctx context.Context, uid, name string) error
		DeleteIdentity(ctx context.Context, uid string) error
		// Close ends the session. Further calls fail with ErrIssuerClosed.
		Close() error
	}

	IdentityStore interface {
		OpenIssuer(ctx context.Context) (IdentityIssuer, error)
		GetIdentity(ctx context.Context, uid string) (Identity, error)
		GetIdentityByEmail(ctx context.Context, email string) (Identity, error)
		SetPasswordHash(ctx context.Context, uid string, hash []byte) error
	}

	ProfileStore interface {
		// CreateProfile stores p and, in the same atomic write, appends p.ID to the link list of
		// every target in p.LinkTargets(). Nothing is written if a target is missing
		// (ErrRelationNotFound) or has the wrong role (ErrInvalidRelation).
		CreateProfile(ctx context.Context, p Profile) (Profile, error)
		GetProfile(ctx context.Context, id string) (Profile, error)
		// QueryProfiles applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of Profile.Name or Profile.Email.
		QueryProfiles(ctx context.Context, filter QueryFilter, orderings []core.DBOrdering) ([]Profile, error)
		SetStatus(ctx context.Context, status ApprovalStatus, ids ...string) error
		// LinkGuardian appends each id to the other's link list if absent, atomically.
		LinkGuardian(ctx context.Context, guardianID, learnerID string) error
	}

	ServiceDeps struct {
		Identities IdentityStore
		Profiles   ProfileStore
		Generator  *credential.Generator
		SchoolName string
		Logger     core.Logger
		Metrics    core.Metrics
	}

	Service struct {
		identities IdentityStore
		profiles   ProfileStore
		gen        *credential.Generator
		schoolName string
		logger     core.Logger
		metrics    core.Metrics
	}
)

func NewService(deps ServiceDeps) *Service {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	return &Service{
		identities: deps.Identities,
		profiles:   deps.Profiles,
		gen:        deps.Generator,
		schoolName: deps.SchoolName,
		logger:     deps.Logger,
		metrics:    metrics,
	}
}

// ValidLoginID reports whether email can be used as a login id.
func ValidLoginID(email string) bool {
	return loginIDValidate.Var(email, "required,email") == nil
}

// Provision creates the identity then the profile of a new account, linking it to its relationship targets.
// Either both records exist afterwards or the identity is deleted again; when that deletion fails
// a *CleanupError is returned.
func (svc *Service) Provision(ctx context.Context, na NewAccount) (Profile, error) {
	na.Clean()
	if na.Name == "" {
		return Profile{}, core.NewValidationError(credential.ErrEmptyName, core.FieldError{Field: "name", Error: credential.ErrEmptyName.Error()})
	}
	if !na.Role.Valid() {
		return Profile{}, core.NewValidationError(ErrInvalidRole, core.FieldError{Field: "role", Error: ErrInvalidRole.Error()})
	}

	prof, err := svc.provision(ctx, na)
	switch {
	case err == nil:
		svc.metrics.ObserveProvisioning(string(na.Role), core.OutcomeSuccess)
	case errors.Is(err, ErrCleanupFailed):
		svc.metrics.ObserveProvisioning(string(na.Role), core.OutcomeCleanup)
	default:
		svc.metrics.ObserveProvisioning(string(na.Role), core.OutcomeFailure)
	}
	return prof, err
}

func (svc *Service) provision(ctx context.Context, na NewAccount) (Profile, error) {
	iss, err := svc.identities.OpenIssuer(ctx)
	if err != nil {
		return Profile{}, errors.Wrap(err, "opening identity issuer")
	}
	defer func() {
		if cErr := iss.Close(); cErr != nil {
			svc.logger.Warn("closing identity issuer", cErr)
		}
	}()

	ident, err := iss.CreateIdentity(ctx, na.Email, na.Password)
	if err != nil {
		return Profile{}, err
	}

	if err = iss.UpdateDisplayName(ctx, ident.UID, na.Name); err != nil {
		return Profile{}, svc.deleteIdentity(ctx, iss, ident, errors.Wrap(err, "setting display name"))
	}

	now := NowFunc().UTC()
	prof := Profile{
		ID:        ident.UID,
		Name:      na.Name,
		Email:     ident.Email,
		Role:      na.Role,
		Status:    StatusPending,
		XP:        DefaultXP,
		Level:     DefaultLevel,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch na.Role {
	case RoleLearner:
		prof.Grouping = na.Grouping
		prof.GuardianIDs = na.RelationshipTargets
	case RoleGuardian:
		prof.LearnerIDs = na.RelationshipTargets
	}

	prof, err = svc.profiles.CreateProfile(ctx, prof)
	if err != nil {
		return Profile{}, svc.deleteIdentity(ctx, iss, ident, err)
	}
	return prof, nil
}

// deleteIdentity removes an identity whose profile could not be created and returns the error to surface.
func (svc *Service) deleteIdentity(ctx context.Context, iss IdentityIssuer, ident Identity, cause error) error {
	// the caller going away must not leave an orphan identity behind
	ctx = context.WithoutCancel(ctx)
	if err := iss.DeleteIdentity(ctx, ident.UID); err != nil {
		cErr := &CleanupError{UID: ident.UID, Email: ident.Email, Err: cause, CleanupErr: err}
		svc.logger.Error(
			"provisioning cleanup failed, manual intervention required",
			cErr,
			map[string]interface{}{"uid": ident.UID, "email": ident.Email},
		)
		return cErr
	}
	return cause
}

// Create provisions na, deriving deterministic credentials for the missing email or password.
// The returned credentials are the ones the new account signs in with.
func (svc *Service) Create(ctx context.Context, na NewAccount) (Profile, credential.Credentials, error) {
	na.Clean()
	if na.Email == "" || na.Password == "" {
		creds, err := svc.Credentials(na.Name, na.Grouping, na.Role)
		if err != nil {
			return Profile{}, credential.Credentials{}, core.NewValidationError(err, core.FieldError{Field: "name", Error: err.Error()})
		}
		if na.Email == "" {
			na.Email = creds.Email
		}
		if na.Password == "" {
			na.Password = creds.Password
		}
	}

	prof, err := svc.Provision(ctx, na)
	if err != nil {
		return Profile{}, credential.Credentials{}, err
	}
	return prof, credential.Credentials{Email: na.Email, Password: na.Password}, nil
}

// Credentials returns the deterministic credentials of a person. Only learners get a grouping code.
func (svc *Service) Credentials(name, grouping string, role Role) (credential.Credentials, error) {
	if role != RoleLearner {
		grouping = ""
	}
	return svc.gen.Generate(name, grouping, svc.schoolName)
}

func (svc *Service) Get(ctx context.Context, id string) (Profile, error) {
	return svc.profiles.GetProfile(ctx, core.CleanString(id))
}

func (svc *Service) GetByEmail(ctx context.Context, email string) (Profile, error) {
	ident, err := svc.identities.GetIdentityByEmail(ctx, core.CleanString(email, true /* lower */))
	if err != nil {
		return Profile{}, err
	}
	return svc.profiles.GetProfile(ctx, ident.UID)
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter, orderings []core.DBOrdering) ([]Profile, error) {
	filter.Clean()
	return svc.profiles.QueryProfiles(ctx, filter, orderings)
}

// SetApproval moves the given accounts to status.
func (svc *Service) SetApproval(ctx context.Context, status ApprovalStatus, ids ...string) error {
	if !status.Valid() {
		return core.NewValidationError(ErrInvalidStatus, core.FieldError{Field: "status", Error: ErrInvalidStatus.Error()})
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	return svc.profiles.SetStatus(ctx, status, ids...)
}

// LinkGuardian links an existing guardian and learner both ways.
func (svc *Service) LinkGuardian(ctx context.Context, guardianID, learnerID string) error {
	return svc.profiles.LinkGuardian(ctx, core.CleanString(guardianID), core.CleanString(learnerID))
}

// IsAdministrator reports whether uid is an approved administrator.
func (svc *Service) IsAdministrator(ctx context.Context, uid string) (bool, error) {
	prof, err := svc.profiles.GetProfile(ctx, uid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "getting profile")
	}
	return prof.IsAdministrator() && prof.IsApproved(), nil
}

// Authenticate checks a login and returns the account's profile.
// Accounts that are not approved yet cannot sign in.
func (svc *Service) Authenticate(ctx context.Context, email, pwd string) (Profile, error) {
	ident, err := svc.identities.GetIdentityByEmail(ctx, core.CleanString(email, true /* lower */))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, ErrAuthenticationFailed
		}
		return Profile{}, errors.Wrap(err, "finding identity by email")
	}
	if err = ident.CheckPassword(pwd); err != nil {
		return Profile{}, ErrAuthenticationFailed
	}

	prof, err := svc.profiles.GetProfile(ctx, ident.UID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// identity without profile: cleanup failed at provisioning time
			svc.logger.Warn(fmt.Sprintf("identity %s has no profile", ident.UID))
			return Profile{}, ErrAuthenticationFailed
		}
		return Profile{}, errors.Wrap(err, "getting profile")
	}
	switch prof.Status {
	case StatusPending:
		return Profile{}, ErrNotApproved
	case StatusRejected:
		return Profile{}, ErrRejected
	}
	return prof, nil
}

// ResetPassword sets a password chosen by a person. It must satisfy the password policy.
func (svc *Service) ResetPassword(ctx context.Context, email, pwd string) error {
	ident, err := svc.identities.GetIdentityByEmail(ctx, core.CleanString(email, true /* lower */))
	if err != nil {
		return err
	}
	if err = ValidatePassword(pwd, ident.DisplayName, ident.Email); err != nil {
		return err
	}
	if err = ident.SetPassword(pwd); err != nil {
		return errors.Wrap(err, "hashing password")
	}
	return svc.identities.SetPasswordHash(ctx, ident.UID, ident.PasswordHash)
}

// AddAdministrator provisions an approved administrator. Used to bootstrap a school.
func (svc *Service) AddAdministrator(ctx context.Context, name, email, pwd string) (Profile, error) {
	na := NewAccount{Name: name, Email: email, Password: pwd, Role: RoleAdministrator}
	na.Clean()
	if err := ValidatePassword(pwd, na.Name, na.Email); err != nil {
		return Profile{}, err
	}
	prof, err := svc.Provision(ctx, na)
	if err != nil {
		return Profile{}, err
	}
	if err = svc.profiles.SetStatus(ctx, StatusApproved, prof.ID); err != nil {
		return Profile{}, errors.Wrap(err, "approving administrator")
	}
	prof.Status = StatusApproved
	return prof, nil
}
