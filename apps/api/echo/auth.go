package echoapi

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
)

var (
	NowFunc = time.Now // mockable

	contextTokenKey   = "userToken"
	contextProfileKey = "profile"
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64        `json:"oriat,omitempty"`
	Name         string       `json:"name,omitempty"`
	Email        string       `json:"email,omitempty"`
	Role         account.Role `json:"role,omitempty"`
}

func (c Claims) IsAdministrator() bool { return c.Role == account.RoleAdministrator }

// TokenIssuer signs and refreshes the JWTs of signed in accounts.
type TokenIssuer struct {
	appName      string
	signingKey   []byte
	expiration   time.Duration
	refreshDelta time.Duration
}

func NewTokenIssuer(conf *core.Config) *TokenIssuer {
	return &TokenIssuer{
		appName:      conf.AppName,
		signingKey:   []byte(conf.SecretKey),
		expiration:   conf.Server.JWTExpirationDelta,
		refreshDelta: conf.Server.JWTRefreshExpirationDelta,
	}
}

// JWTConfig is the JWT auth middleware config.
func (ti *TokenIssuer) JWTConfig() middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    ti.signingKey,
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

func (ti *TokenIssuer) Claims(prof account.Profile, origIat ...int64) *Claims {
	now := NowFunc()
	nownix := now.Unix()

	oriat := nownix
	if len(origIat) > 0 {
		oriat = origIat[0]
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    ti.appName,
			Subject:   prof.ID,
			ExpiresAt: now.Add(ti.expiration).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Name:         prof.Name,
		Email:        prof.Email,
		Role:         prof.Role,
	}
}

// Sign generates a signed JWT token string representing the Claims.
func (ti *TokenIssuer) Sign(claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(middleware.AlgorithmHS256)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString(ti.signingKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// Token returns a new signed token for prof.
func (ti *TokenIssuer) Token(prof account.Profile) (string, error) {
	return ti.Sign(ti.Claims(prof))
}

// Refresh issues a new token for a still approved account while its original sign in is recent enough.
func (ti *TokenIssuer) Refresh(ctx echo.Context, accounts *account.Service) (string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return "", err
	}

	prof, err := getContextProfile(ctx, accounts)
	if err != nil {
		return "", errors.Wrap(err, "getting context profile")
	}
	if !prof.IsApproved() {
		return "", errAccountDeactivated
	}

	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(ti.refreshDelta)
	if NowFunc().After(expTime) {
		return "", errRefreshExpired
	}
	return ti.Sign(ti.Claims(prof, claims.OrigIssuedAt))
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// getContextProfile loads the profile of the signed in account once per request.
func getContextProfile(ctx echo.Context, accounts *account.Service) (account.Profile, error) {
	if prof, ok := ctx.Get(contextProfileKey).(account.Profile); ok {
		return prof, nil
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return account.Profile{}, err
	}

	prof, err := accounts.Get(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Profile{}, errUnauthorized
		}
		return account.Profile{}, errors.Wrap(err, "finding profile by ID")
	}
	ctx.Set(contextProfileKey, prof)
	return prof, nil
}
