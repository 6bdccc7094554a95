package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/credential"
	"github.com/trezcool/shule/core/roster"
	"github.com/trezcool/shule/core/subscription"
)

var (
	errUnauthorized       = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errAccountDeactivated = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errRefreshExpired     = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errHttpForbidden      = echo.NewHTTPError(http.StatusForbidden, "permission denied")

	// domainErrors maps the domain errors to their HTTP status code; the error text is the response message.
	domainErrors = []struct {
		err  error
		code int
	}{
		{account.ErrIdentityConflict, http.StatusConflict},
		{subscription.ErrTokenAlreadyConsumed, http.StatusConflict},
		{subscription.ErrTenantAlreadyTrialed, http.StatusConflict},

		{account.ErrNotApproved, http.StatusForbidden},
		{account.ErrRejected, http.StatusForbidden},
		{subscription.ErrUnauthorized, http.StatusForbidden},

		{account.ErrNotFound, http.StatusNotFound},
		{subscription.ErrUnknownToken, http.StatusNotFound},
		{subscription.ErrNoTrialAvailable, http.StatusNotFound},

		{account.ErrAuthenticationFailed, http.StatusBadRequest},
		{account.ErrInvalidIdentity, http.StatusBadRequest},
		{account.ErrInvalidRole, http.StatusBadRequest},
		{account.ErrInvalidStatus, http.StatusBadRequest},
		{account.ErrRelationNotFound, http.StatusBadRequest},
		{account.ErrInvalidRelation, http.StatusBadRequest},
		{credential.ErrEmptyName, http.StatusBadRequest},
		{credential.ErrNoLoginBase, http.StatusBadRequest},
		{subscription.ErrInvalidPlan, http.StatusBadRequest},
		{subscription.ErrInvalidToken, http.StatusBadRequest},
		{roster.ErrUnsupportedFormat, http.StatusBadRequest},
		{roster.ErrEmpty, http.StatusBadRequest},
		{roster.ErrNoExtractor, http.StatusNotImplemented},

		{subscription.ErrTransientConflict, http.StatusServiceUnavailable},
	}
)

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		code, message := errorResponse(err, translator)

		if code == http.StatusInternalServerError {
			person := core.Person{}
			if claims, cErr := getContextClaims(ctx); cErr == nil {
				person = core.Person{ID: claims.Subject, Name: claims.Name, Email: claims.Email}
			}
			logger.Error(http.StatusText(code), err, person, map[string]interface{}{
				"method": ctx.Request().Method,
				"path":   ctx.Path(),
			})

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug && code >= http.StatusInternalServerError {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}

func errorResponse(err error, translator ut.Translator) (int, interface{}) {
	var (
		httpErr  *echo.HTTPError
		vErrs    validator.ValidationErrors
		vErr     *core.ValidationError
		cleanErr *account.CleanupError
	)

	switch {
	case errors.As(err, &httpErr):
		if httpErr == middleware.ErrJWTMissing {
			return http.StatusUnauthorized, httpErr.Message
		}
		if herr, ok := httpErr.Internal.(*echo.HTTPError); ok {
			httpErr = herr
		}
		return httpErr.Code, httpErr.Message

	case errors.As(err, &vErrs):
		fldErrs := make(map[string]string, len(vErrs))
		for _, fe := range vErrs {
			fldErrs[fe.Field()] = fe.Translate(translator)
		}
		return http.StatusBadRequest, fldErrs

	case errors.As(err, &vErr):
		if len(vErr.Fields) > 0 {
			fldErrs := make(map[string]string, len(vErr.Fields))
			for _, fe := range vErr.Fields {
				fldErrs[fe.Field] = fe.Error
			}
			return http.StatusBadRequest, fldErrs
		}
		if code, msg, ok := domainError(vErr.Err); ok {
			return code, msg
		}
		return http.StatusBadRequest, vErr.Error()

	case errors.As(err, &cleanErr):
		// the identity exists without a profile: reported as a server error
		return http.StatusInternalServerError, account.ErrCleanupFailed.Error()
	}

	if code, msg, ok := domainError(err); ok {
		return code, msg
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func domainError(err error) (int, string, bool) {
	if err == nil {
		return 0, "", false
	}
	for _, de := range domainErrors {
		if errors.Is(err, de.err) {
			return de.code, de.err.Error(), true
		}
	}
	return 0, "", false
}
