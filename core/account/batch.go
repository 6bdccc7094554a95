package account

import (
	"context"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/credential"
)

type (
	// Candidate is a person to provision in a batch. Email and Password are derived when empty.
	Candidate struct {
		Name     string `json:"name"`
		Email    string `json:"email,omitempty"`
		Password string `json:"password,omitempty"`
	}

	// Result is the outcome of provisioning one Candidate.
	Result struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Success  bool   `json:"success"`
		UID      string `json:"uid,omitempty"`
		Password string `json:"password,omitempty"`
		Error    string `json:"error,omitempty"`
	}

	Provisioner interface {
		Provision(ctx context.Context, na NewAccount) (Profile, error)
	}

	BatchProvisioner struct {
		provisioner Provisioner
		gen         *credential.Generator
		schoolName  string
		logger      core.Logger
	}
)

func NewBatchProvisioner(p Provisioner, gen *credential.Generator, schoolName string, logger core.Logger) *BatchProvisioner {
	return &BatchProvisioner{
		provisioner: p,
		gen:         gen,
		schoolName:  schoolName,
		logger:      logger,
	}
}

// Provision provisions candidates one after the other, in order, and returns one Result per candidate.
// A failing candidate never stops the batch. Once started, a batch runs to completion even if ctx is cancelled.
func (bp *BatchProvisioner) Provision(ctx context.Context, candidates []Candidate, role Role, grouping string) []Result {
	ctx = context.WithoutCancel(ctx)
	grouping = core.CleanString(grouping)
	if role != RoleLearner {
		grouping = ""
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, bp.provisionOne(ctx, c, role, grouping))
	}

	succeeded, failed := Summarize(results)
	bp.logger.Info("batch provisioning done", map[string]interface{}{
		"role":      role,
		"grouping":  grouping,
		"succeeded": succeeded,
		"failed":    failed,
	})
	return results
}

func (bp *BatchProvisioner) provisionOne(ctx context.Context, c Candidate, role Role, grouping string) Result {
	res := Result{
		Name:  core.CleanString(c.Name),
		Email: core.CleanString(c.Email, true /* lower */),
	}
	if res.Name == "" {
		res.Error = credential.ErrEmptyName.Error()
		return res
	}

	pwd := c.Password
	if res.Email == "" || pwd == "" {
		creds, err := bp.gen.GenerateWithSuffix(res.Name, grouping, bp.schoolName)
		if err != nil {
			res.Error = Message(err)
			return res
		}
		if res.Email == "" {
			res.Email = creds.Email
		}
		if pwd == "" {
			pwd = creds.Password
		}
	}

	prof, err := bp.provisioner.Provision(ctx, NewAccount{
		Name:     res.Name,
		Role:     role,
		Email:    res.Email,
		Password: pwd,
		Grouping: grouping,
	})
	if err != nil {
		res.Error = Message(err)
		return res
	}

	res.Success = true
	res.UID = prof.ID
	res.Password = pwd
	return res
}

// Summarize counts successful and failed results.
func Summarize(results []Result) (succeeded, failed int) {
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
