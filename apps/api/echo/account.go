package echoapi

import (
	"context"
	"io"
	"net/http"
	"net/mail"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/roster"
)

var (
	importFileField = "file"
	importMaxBytes  = int64(10 << 20)

	errImportFileMissing = core.NewValidationError(nil, core.FieldError{Field: "file", Error: "a class list file is required"})
	errImportTooLarge    = core.NewValidationError(nil, core.FieldError{Field: "file", Error: "the class list file is too large"})
)

type accountApi struct {
	accounts *account.Service
	batch    *account.BatchProvisioner
	importer roster.Importer
	mailer   core.EmailService
	validate *validator.Validate
	logger   core.Logger
}

func registerAccountAPI(g *echo.Group, jwt, admin echo.MiddlewareFunc, opts *Options) {
	api := accountApi{
		accounts: opts.Accounts,
		batch:    opts.Batch,
		importer: opts.Importer,
		mailer:   opts.Mailer,
		validate: opts.Validate,
		logger:   opts.Logger,
	}

	ag := g.Group("/accounts", jwt, admin)
	ag.POST("", api.create)
	ag.GET("", api.query)
	ag.POST("/batch", api.provisionBatch)
	ag.POST("/import", api.importBatch)
	ag.PUT("/approval", api.setApproval)
	ag.POST("/:id/guardians", api.linkGuardian)

	g.POST("/credentials/preview", api.previewCredentials, jwt, admin)
}

// Handlers

func (api *accountApi) create(ctx echo.Context) error {
	var data account.NewAccount
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAccount")
	}
	data.Clean()
	if err := api.validate.Struct(&data); err != nil {
		return err
	}
	if data.Password != "" {
		if err := account.ValidatePassword(data.Password, data.Name, data.Email); err != nil {
			return err
		}
	}

	prof, creds, err := api.accounts.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating account")
	}

	if admin, err := getContextProfile(ctx, api.accounts); err == nil {
		api.mailer.SendMessages(account.NewCredentialSlipMessage(adminAddress(admin), prof, creds))
	}
	return ctx.JSON(http.StatusCreated, CreateAccountResponse{Account: prof, Email: creds.Email, Password: creds.Password})
}

func (api *accountApi) query(ctx echo.Context) error {
	filter := new(account.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []account.Profile{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	profiles, err := api.accounts.Query(ctx.Request().Context(), *filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying accounts")
	}
	if profiles == nil {
		profiles = []account.Profile{}
	}
	return ctx.JSON(http.StatusOK, profiles)
}

func (api *accountApi) provisionBatch(ctx echo.Context) error {
	var data BatchRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to BatchRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	return api.runBatch(ctx, data)
}

func (api *accountApi) importBatch(ctx echo.Context) error {
	data := BatchRequest{
		Role:     account.Role(core.CleanString(ctx.FormValue("role"), true /* lower */)),
		Grouping: ctx.FormValue("grouping"),
	}

	fh, err := ctx.FormFile(importFileField)
	if err != nil {
		return errImportFileMissing
	}
	if fh.Size > importMaxBytes {
		return errImportTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "opening class list")
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, importMaxBytes))
	if err != nil {
		return errors.Wrap(err, "reading class list")
	}
	data.Candidates, err = api.importer.Candidates(ctx.Request().Context(), fh.Filename, fh.Header.Get(echo.HeaderContentType), content)
	if err != nil {
		return errors.Wrap(err, "parsing class list")
	}

	if err = data.Validate(api.validate); err != nil {
		return err
	}
	return api.runBatch(ctx, data)
}

// runBatch provisions the candidates and emails the report to the administrator.
func (api *accountApi) runBatch(ctx echo.Context, data BatchRequest) error {
	admin, err := getContextProfile(ctx, api.accounts)
	if err != nil {
		return errors.Wrap(err, "getting context profile")
	}

	// the batch outlives a dropped connection
	results := api.batch.Provision(context.WithoutCancel(ctx.Request().Context()), data.Candidates, data.Role, data.Grouping)

	msg, err := account.NewBatchReportMessage(adminAddress(admin), data.Role, data.Grouping, results)
	if err != nil {
		api.logger.Error("building batch report", err)
	} else {
		api.mailer.SendMessages(msg)
	}

	succeeded, failed := account.Summarize(results)
	return ctx.JSON(http.StatusOK, BatchResponse{Succeeded: succeeded, Failed: failed, Results: results})
}

func (api *accountApi) setApproval(ctx echo.Context) error {
	var data ApprovalRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ApprovalRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	if err := api.accounts.SetApproval(ctx.Request().Context(), data.Status, data.IDs...); err != nil {
		return errors.Wrap(err, "setting approval")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *accountApi) linkGuardian(ctx echo.Context) error {
	var data GuardianLinkRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to GuardianLinkRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	if err := api.accounts.LinkGuardian(ctx.Request().Context(), ctx.Param("id"), data.LearnerID); err != nil {
		return errors.Wrap(err, "linking guardian")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *accountApi) previewCredentials(ctx echo.Context) error {
	var data PreviewRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PreviewRequest")
	}
	data.Name = core.CleanString(data.Name)
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	creds, err := api.accounts.Credentials(data.Name, data.Grouping, data.Role)
	if err != nil {
		return core.NewValidationError(err, core.FieldError{Field: "name", Error: err.Error()})
	}
	return ctx.JSON(http.StatusOK, creds)
}

func adminAddress(admin account.Profile) mail.Address {
	return mail.Address{Name: admin.Name, Address: admin.Email}
}

type (
	CreateAccountResponse struct {
		Account  account.Profile `json:"account"`
		Email    string          `json:"email"`
		Password string          `json:"password"`
	}

	BatchRequest struct {
		Role       account.Role        `json:"role" validate:"required,role"`
		Grouping   string              `json:"grouping"`
		Candidates []account.Candidate `json:"candidates" validate:"required,min=1,max=500"`
	}

	BatchResponse struct {
		Succeeded int              `json:"succeeded"`
		Failed    int              `json:"failed"`
		Results   []account.Result `json:"results"`
	}

	ApprovalRequest struct {
		Status account.ApprovalStatus `json:"status" validate:"required,approval"`
		IDs    []string               `json:"ids" validate:"required,min=1,dive,required"`
	}

	GuardianLinkRequest struct {
		LearnerID string `json:"learner_id" validate:"required"`
	}

	PreviewRequest struct {
		Name     string       `json:"name" validate:"required"`
		Grouping string       `json:"grouping"`
		Role     account.Role `json:"role" validate:"required,role"`
	}
)

func (br *BatchRequest) Validate(validate *validator.Validate) error {
	br.Role = account.Role(core.CleanString(string(br.Role), true /* lower */))
	br.Grouping = core.CleanString(br.Grouping)
	return validate.Struct(br)
}
