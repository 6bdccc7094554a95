package account_test

import (
	"context"
	"net/mail"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/credential"
	"github.com/trezcool/shule/tests"
)

func TestBatchProvisioner_Provision(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)

	candidates := []account.Candidate{
		{Name: "Ama Serwaa"},
		{Name: ""},
		{Name: "Kofi Mensah"},
		{Name: "?!"},
		{Name: "Yaw Boateng", Email: "yaw@school.org", Password: "given-pass"},
	}
	results := env.Batch.Provision(ctx, candidates, account.RoleLearner, "JHS 2")
	require.Len(t, results, len(candidates))

	assert.True(t, results[0].Success)
	assert.Equal(t, "Ama Serwaa", results[0].Name)
	assert.Equal(t, "serwaaedj2@shule.app", results[0].Email)
	assert.Regexp(t, `^serwaa[0-9]{4}$`, results[0].Password)
	assert.NotEmpty(t, results[0].UID)

	assert.False(t, results[1].Success)
	assert.Equal(t, "name is required", results[1].Error)
	assert.Empty(t, results[1].Password)

	assert.True(t, results[2].Success, "a failure must not stop the batch")
	assert.Equal(t, "mensahedj2@shule.app", results[2].Email)

	assert.False(t, results[3].Success)
	assert.NotEmpty(t, results[3].Error)

	assert.True(t, results[4].Success)
	assert.Equal(t, "yaw@school.org", results[4].Email)
	assert.Equal(t, "given-pass", results[4].Password)

	succeeded, failed := account.Summarize(results)
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 2, failed)

	// provisioned accounts can sign in with the reported password once approved
	require.NoError(t, env.Accounts.SetApproval(ctx, account.StatusApproved, results[0].UID))
	prof, err := env.Accounts.Authenticate(ctx, results[0].Email, results[0].Password)
	require.NoError(t, err)
	assert.Equal(t, "JHS 2", prof.Grouping)

	t.Run("rerun reports conflicts per candidate", func(t *testing.T) {
		again := env.Batch.Provision(ctx, candidates[:3], account.RoleLearner, "JHS 2")
		require.Len(t, again, 3)
		for _, i := range []int{0, 2} {
			assert.False(t, again[i].Success)
			assert.Equal(t, "an account with this email already exists", again[i].Error)
		}
	})
}

func TestBatchProvisioner_Provision_cancelledContext(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := env.Batch.Provision(ctx, []account.Candidate{{Name: "Ama"}, {Name: "Kofi"}}, account.RoleInstructor, "JHS 2")
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, r.Error)
	}
	assert.Equal(t, "amaed@shule.app", results[0].Email, "instructors get no grouping code")
}

func TestBatchProvisioner_Provision_empty(t *testing.T) {
	env := testutil.NewEnv(t)
	results := env.Batch.Provision(context.Background(), nil, account.RoleLearner, "")
	assert.Empty(t, results)
}

var reportResults = []account.Result{
	{Name: "Ama Serwaa", Email: "serwaaedj2@shule.app", Success: true, Password: "serwaa1234"},
	{Name: "", Error: "name is required"},
}

func TestResultsCSV(t *testing.T) {
	results := reportResults
	data, err := account.ResultsCSV(results)
	require.NoError(t, err)
	assert.Equal(t,
		"name,email,password,success,error\n"+
			"Ama Serwaa,serwaaedj2@shule.app,serwaa1234,true,\n"+
			",,,false,name is required\n",
		string(data),
	)
}

func TestNewBatchReportMessage(t *testing.T) {
	core.ParseEmailTemplates(testutil.NewLogger(t), true)

	msg, err := account.NewBatchReportMessage(
		mail.Address{Name: "Head Teacher", Address: "head@shule.app"},
		account.RoleLearner,
		"JHS 2",
		reportResults,
	)
	require.NoError(t, err)
	require.NoError(t, msg.Render("Shule"))

	assert.True(t, msg.HasRecipients())
	assert.Contains(t, msg.TextContent, "Hello Head Teacher")
	assert.Contains(t, msg.TextContent, "learner import for JHS 2 has finished: 1 created, 1 failed.")
	assert.Contains(t, msg.TextContent, "- Ama Serwaa: serwaaedj2@shule.app / serwaa1234")
	assert.Contains(t, msg.TextContent, "FAILED (name is required)")
	assert.Contains(t, msg.HTMLContent, "serwaaedj2@shule.app")

	require.True(t, msg.HasAttachments())
	assert.Equal(t, "accounts.csv", msg.Attachments[0].Filename)
	assert.Equal(t, "text/csv", msg.Attachments[0].ContentType)
}

func TestNewCredentialSlipMessage(t *testing.T) {
	core.ParseEmailTemplates(testutil.NewLogger(t), true)

	msg := account.NewCredentialSlipMessage(
		mail.Address{Name: "Head Teacher", Address: "head@shule.app"},
		account.Profile{Name: "Ama Serwaa", Role: account.RoleLearner, Grouping: "JHS 2"},
		credential.Credentials{Email: "serwaaedj2@shule.app", Password: "serwaaedj2"},
	)
	require.NoError(t, msg.Render("Shule"))

	assert.Equal(t, "New account: Ama Serwaa", msg.Subject)
	assert.Contains(t, msg.TextContent, "A learner account was created for Ama Serwaa (JHS 2).")
	assert.Contains(t, msg.TextContent, "Email: serwaaedj2@shule.app\nPassword: serwaaedj2")
	assert.Contains(t, msg.HTMLContent, "<code>serwaaedj2</code>")
	assert.False(t, msg.HasAttachments())
}
