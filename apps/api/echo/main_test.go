package echoapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/go-playground/validator/v10"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	. "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/roster"
	emailsvc "github.com/trezcool/shule/services/email"
	metricsvc "github.com/trezcool/shule/services/metrics"
	"github.com/trezcool/shule/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type fixture struct {
	env     *testutil.Env
	app     Server
	tokens  *TokenIssuer
	mailer  *emailsvc.ConsoleServiceMock
	metrics *metricsvc.Service
}

type fakeExtractor struct{ text string }

func (f fakeExtractor) ExtractText(context.Context, []byte) (string, error) { return f.text, nil }

func setup(t *testing.T) *fixture {
	conf := testutil.NewConfig()
	logger := testutil.NewLogger(t)
	core.ParseEmailTemplates(logger, true)

	metrics, err := metricsvc.New(promclient.NewRegistry())
	require.NoError(t, err)
	env := testutil.NewEnvWithMetrics(t, metrics)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	account.InitValidators(validate, translator)

	mailer := emailsvc.NewConsoleServiceMock(conf, logger)
	app := NewServer(&Options{
		Conf:           conf,
		DisableReqLogs: true,
		Logger:         logger,
		Validate:       validate,
		Translator:     translator,
		Accounts:       env.Accounts,
		Batch:          env.Batch,
		Ledger:         env.Ledger,
		Importer:       roster.Importer{Extractor: fakeExtractor{text: "1. Akua Owusu\n2. Kwame Asante\n"}},
		Mailer:         mailer,
		Metrics:        metrics.Handler(),
	})
	return &fixture{env: env, app: app, tokens: NewTokenIssuer(conf), mailer: mailer, metrics: metrics}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func ctx() context.Context { return context.Background() }

func (f *fixture) serve(method, path, token string, data ...[]byte) *httptest.ResponseRecorder {
	req, rec := newAuthRequest(method, path, token, data...)
	f.app.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) getToken(t *testing.T, prof account.Profile) string {
	token, err := f.tokens.Token(prof)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}

func unmarshall(t *testing.T, rec *httptest.ResponseRecorder, obj interface{}) {
	if err := json.Unmarshal(rec.Body.Bytes(), obj); err != nil {
		t.Fatalf("unmarshall(%s) failed: %v", rec.Body.String(), err)
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, f *fixture, tests []httpTest) {
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			rec := f.serve(method, tt.path, tt.token, tt.body)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestServer_home(t *testing.T) {
	f := setup(t)
	req, rec := newRequest(http.MethodGet, "/")
	f.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "Welcome to Shule API!" {
		t.Errorf("home = %d %q", rec.Code, rec.Body.String())
	}
}
