package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/account"
)

// adminMiddleware only lets approved administrators through.
func adminMiddleware(accounts *account.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return err
			}
			if !claims.IsAdministrator() {
				return errHttpForbidden
			}
			prof, err := getContextProfile(ctx, accounts)
			if err != nil {
				return errors.Wrap(err, "getting context profile")
			}
			if prof.IsAdministrator() && prof.IsApproved() {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}
