package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof on the default mux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	promclient "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	echoapi "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/apps/shared"
	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/roster"
	emailsvc "github.com/trezcool/shule/services/email"
	logsvc "github.com/trezcool/shule/services/logger"
	metricsvc "github.com/trezcool/shule/services/metrics"
	ocrsvc "github.com/trezcool/shule/services/ocr"
)

func main() {
	conf := core.NewConfig()

	logger, err := logsvc.New("api", conf)
	if err != nil {
		log.Fatalf("setting up logger: %v", err)
	}
	defer logger.Sync()

	if err = run(conf, logger); err != nil {
		logger.Error("api stopped", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(conf *core.Config, logger *logsvc.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Set up Dependencies

	stores, err := shared.OpenStores(ctx, conf)
	if err != nil {
		return errors.Wrap(err, "opening stores")
	}
	defer stores.Close()

	metrics, err := metricsvc.New(promclient.NewRegistry())
	if err != nil {
		return errors.Wrap(err, "setting up metrics")
	}
	svcs := shared.NewServices(conf, stores, logger, metrics)

	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	var importer roster.Importer
	if conf.Vision.Enabled {
		ocr, err := ocrsvc.New(ctx, conf.Vision, logger)
		if err != nil {
			return errors.Wrap(err, "setting up vision")
		}
		defer ocr.Close()
		importer.Extractor = ocr
	}

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build), map[string]interface{}{
		"database": conf.Database.Engine,
		"ledger":   conf.Ledger.Backend,
		"school":   conf.School.ID,
	})
	defer logger.Info("Application stopped")

	validate, translator := shared.NewValidator()
	core.ParseEmailTemplates(logger, false)

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	debugSrv := &http.Server{Addr: conf.Server.DebugHost, Handler: http.DefaultServeMux}

	server := echoapi.NewServer(&echoapi.Options{
		Conf:           conf,
		Logger:         logger,
		Validate:       validate,
		Translator:     translator,
		Accounts:       svcs.Accounts,
		Batch:          svcs.Batch,
		Ledger:         svcs.Ledger,
		Importer:       importer,
		Mailer:         mailSvc,
		Metrics:        metrics.Handler(),
		SignalShutdown: stop,
	})

	// =========================================================================
	// Start & Shutdown

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "api server")
		}
		return nil
	})
	g.Go(func() error {
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server closed", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Start shutdown...")

		// give outstanding requests a deadline for completion
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(conf))
		defer cancel()

		_ = debugSrv.Shutdown(sctx)
		if err := server.Stop(sctx); err != nil {
			return errors.Wrap(err, "could not stop server gracefully")
		}
		return nil
	})
	return g.Wait()
}

func shutdownTimeout(conf *core.Config) time.Duration {
	if conf.Server.ShutdownTimeout > 0 {
		return conf.Server.ShutdownTimeout
	}
	return 5 * time.Second
}
