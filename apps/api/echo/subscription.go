package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/subscription"
)

type subscriptionApi struct {
	ledger   *subscription.Ledger
	validate *validator.Validate
}

func registerSubscriptionAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := subscriptionApi{
		ledger:   opts.Ledger,
		validate: opts.Validate,
	}

	// the ledger authorizes redemptions itself
	sg := g.Group("/subscription", jwt)
	sg.GET("", api.status)
	sg.POST("/redeem", api.redeem)
	sg.GET("/trial", api.trialAvailable)
	sg.POST("/trial", api.redeemTrial)
}

// Handlers

func (api *subscriptionApi) status(ctx echo.Context) error {
	status, err := api.ledger.Status(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting subscription status")
	}
	return ctx.JSON(http.StatusOK, status)
}

func (api *subscriptionApi) redeem(ctx echo.Context) error {
	var data RedeemRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RedeemRequest")
	}
	data.Code = subscription.NormalizeCode(data.Code)
	if err := api.validate.Struct(&data); err != nil {
		return err
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	sub, err := api.ledger.RedeemWithRetry(ctx.Request().Context(), data.Code, claims.Subject)
	if err != nil {
		return errors.Wrap(err, "redeeming activation code")
	}
	return ctx.JSON(http.StatusOK, sub)
}

func (api *subscriptionApi) trialAvailable(ctx echo.Context) error {
	ok, err := api.ledger.TrialAvailable(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "checking trial availability")
	}
	return ctx.JSON(http.StatusOK, TrialResponse{Available: ok})
}

func (api *subscriptionApi) redeemTrial(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	sub, err := api.ledger.RedeemAnyTrial(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "redeeming trial")
	}
	return ctx.JSON(http.StatusOK, sub)
}

type (
	RedeemRequest struct {
		Code string `json:"code" validate:"required"`
	}

	TrialResponse struct {
		Available bool `json:"available"`
	}
)
