package echoapi_test

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/credential"
	"github.com/trezcool/shule/tests"
)

func Test_accountApi_create(t *testing.T) {
	f := setup(t)
	admin := testutil.CreateAdmin(t, f.env, "Head Teacher", "head@shule.app")
	learner := testutil.CreateAccount(t, f.env, "Kofi Mensah", "kofi@shule.app", account.RoleLearner, account.StatusApproved)
	adminToken := f.getToken(t, admin)

	newAcc := func(na account.NewAccount) []byte { return marshallObj(t, na) }

	runHTTPTests(t, f, []httpTest{
		{name: "auth required", method: http.MethodPost, path: "/v1/accounts", wantCode: http.StatusUnauthorized, wantData: marshallObj(t, errMissingToken)},
		{
			name: "admin required", method: http.MethodPost, path: "/v1/accounts", token: f.getToken(t, learner),
			body: newAcc(account.NewAccount{Name: "Ama Serwaa", Role: account.RoleLearner}),
			wantCode: http.StatusForbidden, wantData: marshallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "invalid", method: http.MethodPost, path: "/v1/accounts", token: adminToken,
			body:     []byte(`{"name":"  ","role":"wizard","email":"nope"}`),
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{
				"name":"this field is required",
				"role":"role must be one of learner, instructor, guardian or administrator",
				"email":"email must be a valid email address"
			}`),
		},
		{
			name: "weak password", method: http.MethodPost, path: "/v1/accounts", token: adminToken,
			body:     newAcc(account.NewAccount{Name: "Ama Serwaa", Role: account.RoleLearner, Email: "ama@school.org", Password: "short"}),
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"password":"password must contain at least 8 characters"}`),
		},
		{
			name: "missing relation", method: http.MethodPost, path: "/v1/accounts", token: adminToken,
			body:     newAcc(account.NewAccount{Name: "Efua Mensah", Role: account.RoleGuardian, RelationshipTargets: []string{"nope"}}),
			wantCode: http.StatusBadRequest, wantData: marshallObj(t, httpErr{Error: "a linked account does not exist"}),
		},
	})

	t.Run("derived credentials", func(t *testing.T) {
		rec := f.serve(http.MethodPost, "/v1/accounts", adminToken, newAcc(account.NewAccount{
			Name: "Ama Serwaa", Role: account.RoleLearner, Grouping: "JHS 2",
		}))
		require.Equal(t, http.StatusCreated, rec.Code)

		var res CreateAccountResponse
		unmarshall(t, rec, &res)
		assert.Equal(t, "serwaaedj2@shule.app", res.Email)
		assert.Equal(t, "serwaaedj2", res.Password)
		assert.Equal(t, res.Email, res.Account.Email)
		assert.Equal(t, account.StatusPending, res.Account.Status)
		assert.Equal(t, "JHS 2", res.Account.Grouping)

		sent := f.mailer.SentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, "head@shule.app", sent[0].To[0].Address)
		assert.Contains(t, sent[0].TextContent, "Password: serwaaedj2")

		// same person again
		rec = f.serve(http.MethodPost, "/v1/accounts", adminToken, newAcc(account.NewAccount{
			Name: "Ama Serwaa", Role: account.RoleLearner, Grouping: "JHS 2",
		}))
		checkCodeAndData(t, httpTest{
			wantCode: http.StatusConflict,
			wantData: marshallObj(t, httpErr{Error: "an account with this email already exists"}),
		}, rec)
	})

	t.Run("guardian with learner", func(t *testing.T) {
		rec := f.serve(http.MethodPost, "/v1/accounts", adminToken, newAcc(account.NewAccount{
			Name: "Efua Mensah", Role: account.RoleGuardian, Email: "efua@school.org", Password: "Gu4rdian-Pass",
			RelationshipTargets: []string{learner.ID},
		}))
		require.Equal(t, http.StatusCreated, rec.Code)

		var res CreateAccountResponse
		unmarshall(t, rec, &res)
		assert.Equal(t, "Gu4rdian-Pass", res.Password)
		assert.Equal(t, []string{learner.ID}, res.Account.LearnerIDs)

		got, err := f.env.Accounts.Get(ctx(), learner.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{res.Account.ID}, got.GuardianIDs)
	})
}

func Test_accountApi_query(t *testing.T) {
	f := setup(t)
	admin := testutil.CreateAdmin(t, f.env, "Head Teacher", "head@shule.app")
	ama := testutil.CreateAccount(t, f.env, "Ama Serwaa", "ama@shule.app", account.RoleLearner, account.StatusPending)
	kofi := testutil.CreateAccount(t, f.env, "Kofi Mensah", "kofi@shule.app", account.RoleInstructor, account.StatusApproved)
	adminToken := f.getToken(t, admin)

	names := func(t *testing.T, path string) []string {
		rec := f.serve(http.MethodGet, path, adminToken)
		require.Equal(t, http.StatusOK, rec.Code)
		var profiles []account.Profile
		unmarshall(t, rec, &profiles)
		out := make([]string, 0, len(profiles))
		for _, p := range profiles {
			out = append(out, p.Name)
		}
		return out
	}

	assert.ElementsMatch(t, []string{admin.Name, ama.Name, kofi.Name}, names(t, "/v1/accounts"))
	assert.Equal(t, []string{ama.Name}, names(t, "/v1/accounts?status=pending"))
	assert.Equal(t, []string{kofi.Name}, names(t, "/v1/accounts?role=instructor&search=MENSAH"))
	assert.Equal(t, []string{kofi.Name, admin.Name, ama.Name}, names(t, "/v1/accounts?ordering=-email"))
	assert.Empty(t, names(t, "/v1/accounts?search=nobody"))
}

func Test_accountApi_provisionBatch(t *testing.T) {
	f := setup(t)
	admin := testutil.CreateAdmin(t, f.env, "Head Teacher", "head@shule.app")
	adminToken := f.getToken(t, admin)

	runHTTPTests(t, f, []httpTest{
		{
			name: "no candidates", method: http.MethodPost, path: "/v1/accounts/batch", token: adminToken,
			body:     []byte(`{"role":"learner","candidates":[]}`),
			wantCode: http.StatusBadRequest,
		},
		{
			name: "invalid role", method: http.MethodPost, path: "/v1/accounts/batch", token: adminToken,
			body:     []byte(`{"role":"wizard","candidates":[{"name":"Ama Serwaa"}]}`),
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"role":"role must be one of learner, instructor, guardian or administrator"}`),
		},
	})

	rec := f.serve(http.MethodPost, "/v1/accounts/batch", adminToken, marshallObj(t, BatchRequest{
		Role:     account.RoleLearner,
		Grouping: "JHS 2",
		Candidates: []account.Candidate{
			{Name: "Ama Serwaa"},
			{Name: ""},
			{Name: "Kofi Mensah"},
		},
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	var res BatchResponse
	unmarshall(t, rec, &res)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].Success)
	assert.Regexp(t, `^serwaa[0-9]{4}$`, res.Results[0].Password)
	assert.Equal(t, credential.ErrEmptyName.Error(), res.Results[1].Error)

	sent := f.mailer.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Account import report", sent[0].Subject)
	assert.Equal(t, "accounts.csv", sent[0].Attachments[0].Filename)
}

func newMultipartRequest(t *testing.T, token, filename, contentType string, content []byte, fields map[string]string) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/import", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req, httptest.NewRecorder()
}

func Test_accountApi_importBatch(t *testing.T) {
	f := setup(t)
	admin := testutil.CreateAdmin(t, f.env, "Head Teacher", "head@shule.app")
	adminToken := f.getToken(t, admin)
	learnerFields := map[string]string{"role": "learner", "grouping": "JHS 2"}

	tests := []struct {
		name        string
		filename    string
		contentType string
		content     string
		fields      map[string]string
		wantCode    int
		wantNames   []string
		wantData    []byte
	}{
		{
			name: "csv", filename: "jhs2.csv", contentType: "text/csv",
			content: "name,email\nAma Serwaa,\nKofi Mensah,kofi@school.org\n", fields: learnerFields,
			wantCode: http.StatusOK, wantNames: []string{"Ama Serwaa", "Kofi Mensah"},
		},
		{
			name: "photo", filename: "jhs2.jpg", contentType: "image/jpeg", content: "jpeg bytes",
			fields: learnerFields, wantCode: http.StatusOK, wantNames: []string{"Akua Owusu", "Kwame Asante"},
		},
		{
			name: "unsupported", filename: "jhs2.pdf", contentType: "application/pdf", content: "%PDF",
			fields: learnerFields, wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, httpErr{Error: "class lists must be CSV, plain text or an image"}),
		},
		{
			name: "no file", fields: learnerFields, wantCode: http.StatusBadRequest,
			wantData: []byte(`{"file":"a class list file is required"}`),
		},
		{
			name: "no role", filename: "jhs2.txt", contentType: "text/plain", content: "Yaw Boateng",
			wantCode: http.StatusBadRequest, wantData: []byte(`{"role":"this field is required"}`),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newMultipartRequest(t, adminToken, tt.filename, tt.contentType, []byte(tt.content), tt.fields)
			f.app.ServeHTTP(rec, req)
			checkCodeAndData(t, httpTest{wantCode: tt.wantCode, wantData: tt.wantData}, rec)
			if tt.wantNames == nil {
				return
			}

			var res BatchResponse
			unmarshall(t, rec, &res)
			names := make([]string, 0, len(res.Results))
			for _, r := range res.Results {
				assert.True(t, r.Success, r.Error)
				names = append(names, r.Name)
			}
			assert.Equal(t, tt.wantNames, names)
		})
	}
}

func Test_accountApi_setApproval(t *testing.T) {
	f := setup(t)
	admin := testutil.CreateAdmin(t, f.env, "Head Teacher", "head@shule.app")
	ama := testutil.CreateAccount(t, f.env, "Ama Serwaa", "ama@shule.app", account.RoleLearner, account.StatusPending)
	adminToken := f.getToken(t, admin)

	runHTTPTests(t, f, []httpTest{
		{
			name: "invalid status", method: http.MethodPut, path: "/v1/accounts/approval", token: adminToken,
			body:     []byte(`{"status":"maybe","ids":["x"]}`),
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"status":"status must be one of pending, approved or rejected"}`),
		},
		{
			name: "unknown id", method: http.MethodPut, path: "/v1/accounts/approval", token: adminToken,
			body:     marshallObj(t, ApprovalRequest{Status: account.StatusApproved, IDs: []string{ama.ID, "nope"}}),
			wantCode: http.StatusNotFound, wantData: marshallObj(t, httpErr{Error: "account not found"}),
		},
		{
			name: "approve", method: http.MethodPut, path: "/v1/accounts/approval", token: adminToken,
			body:     marshallObj(t, ApprovalRequest{Status: account.StatusApproved, IDs: []string{ama.ID}}),
			wantCode: http.StatusNoContent,
		},
	})

	_, err := f.env.Accounts.Authenticate(ctx(), "ama@shule.app", testutil.Password)
	assert.NoError(t, err)
}

func Test_accountApi_linkGuardian(t *testing.T) {
	f := setup(t)
	admin := testutil.CreateAdmin(t, f.env, "Head Teacher", "head@shule.app")
	learner := testutil.CreateAccount(t, f.env, "Ama Serwaa", "ama@shule.app", account.RoleLearner, account.StatusApproved)
	guardian := testutil.CreateAccount(t, f.env, "Efua Serwaa", "efua@shule.app", account.RoleGuardian, account.StatusApproved)
	instructor := testutil.CreateAccount(t, f.env, "Kofi Mensah", "kofi@shule.app", account.RoleInstructor, account.StatusApproved)
	adminToken := f.getToken(t, admin)

	link := func(learnerID string) []byte { return marshallObj(t, GuardianLinkRequest{LearnerID: learnerID}) }

	runHTTPTests(t, f, []httpTest{
		{
			name: "unknown guardian", method: http.MethodPost, path: "/v1/accounts/nope/guardians", token: adminToken,
			body: link(learner.ID), wantCode: http.StatusNotFound, wantData: marshallObj(t, httpErr{Error: "account not found"}),
		},
		{
			name: "not a learner", method: http.MethodPost, path: "/v1/accounts/" + guardian.ID + "/guardians", token: adminToken,
			body: link(instructor.ID), wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, httpErr{Error: "guardians can only be linked to learners"}),
		},
		{
			name: "link", method: http.MethodPost, path: "/v1/accounts/" + guardian.ID + "/guardians", token: adminToken,
			body: link(learner.ID), wantCode: http.StatusNoContent,
		},
		{
			name: "link again", method: http.MethodPost, path: "/v1/accounts/" + guardian.ID + "/guardians", token: adminToken,
			body: link(learner.ID), wantCode: http.StatusNoContent,
		},
	})

	got, err := f.env.Accounts.Get(ctx(), guardian.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{learner.ID}, got.LearnerIDs)
}

func Test_accountApi_previewCredentials(t *testing.T) {
	f := setup(t)
	admin := testutil.CreateAdmin(t, f.env, "Head Teacher", "head@shule.app")
	adminToken := f.getToken(t, admin)

	runHTTPTests(t, f, []httpTest{
		{
			name: "learner", method: http.MethodPost, path: "/v1/credentials/preview", token: adminToken,
			body:     marshallObj(t, PreviewRequest{Name: "Ama Serwaa", Grouping: "JHS 2", Role: account.RoleLearner}),
			wantCode: http.StatusOK,
			wantData: marshallObj(t, credential.Credentials{Email: "serwaaedj2@shule.app", Password: "serwaaedj2"}),
		},
		{
			name: "no letters", method: http.MethodPost, path: "/v1/credentials/preview", token: adminToken,
			body:     marshallObj(t, PreviewRequest{Name: "?!", Role: account.RoleLearner}),
			wantCode: http.StatusBadRequest,
			wantData: marshallObj(t, map[string]string{"name": credential.ErrNoLoginBase.Error()}),
		},
	})

	// previews create nothing
	profiles, err := f.env.Accounts.Query(ctx(), account.QueryFilter{}, nil)
	require.NoError(t, err)
	assert.Len(t, profiles, 1)
}

func TestMetrics(t *testing.T) {
	f := setup(t)
	testutil.CreateAdmin(t, f.env, "Head Teacher", "head@shule.app")

	rec := f.serve(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `shule_accounts_provisioned_total{outcome="success",role="administrator"} 1`)
}
