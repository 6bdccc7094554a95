package echoapi

import (
	"context"
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/roster"
	"github.com/trezcool/shule/core/subscription"
)

type (
	Options struct {
		Conf           *core.Config
		DisableReqLogs bool
		Logger         core.Logger
		Validate       *validator.Validate
		Translator     ut.Translator
		Accounts       *account.Service
		Batch          *account.BatchProvisioner
		Ledger         *subscription.Ledger
		Importer       roster.Importer
		Mailer         core.EmailService
		Metrics        http.Handler // optional
		SignalShutdown func()       // optional
	}

	Server interface {
		http.Handler
		Start() error
		Stop(context.Context) error
	}

	server struct {
		opts   *Options
		app    *echo.Echo
		tokens *TokenIssuer
	}
)

var _ Server = (*server)(nil)

func NewServer(opts *Options) Server {
	if opts.SignalShutdown == nil {
		opts.SignalShutdown = func() {}
	}
	s := &server{
		opts:   opts,
		app:    echo.New(),
		tokens: NewTokenIssuer(opts.Conf),
	}
	s.setup()
	return s
}

func (s *server) setup() {
	conf := s.opts.Conf

	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.opts.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.opts.Logger, s.opts.Translator, s.opts.SignalShutdown)
	s.app.Debug = conf.Debug

	s.app.GET("/", s.home)
	if s.opts.Metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.opts.Metrics))
	}

	v1 := s.app.Group("/v1")
	jwt := middleware.JWTWithConfig(s.tokens.JWTConfig())
	admin := adminMiddleware(s.opts.Accounts)

	registerUserAPI(v1, jwt, s.tokens, s.opts)
	registerAccountAPI(v1, jwt, admin, s.opts)
	registerSubscriptionAPI(v1, jwt, s.opts)
}

func (s *server) Start() error {
	return s.app.Start(s.opts.Conf.Server.Address)
}

func (s *server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.opts.Conf.AppName+" API!")
}
