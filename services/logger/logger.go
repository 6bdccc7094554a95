package logsvc

import (
	"fmt"
	"strings"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trezcool/shule/core"
)

// Logger writes structured logs with zap and reports warnings and errors to Rollbar when enabled.
type Logger struct {
	sugar   *zap.SugaredLogger
	rollbar bool
}

var _ core.Logger = (*Logger)(nil)

// New builds the application logger. Rollbar reporting is only enabled outside debug mode
// and when a token is configured.
func New(name string, conf *core.Config) (*Logger, error) {
	var zc zap.Config
	if conf.Debug {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(conf.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	z, err := zc.Build()
	if err != nil {
		return nil, err
	}

	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	enabled := !conf.Debug && conf.RollbarToken != ""
	rollbar.SetEnabled(enabled)

	return &Logger{sugar: z.Named(name).Sugar(), rollbar: enabled}, nil
}

// NewWithZap wraps z without Rollbar reporting.
func NewWithZap(z *zap.Logger) *Logger {
	return &Logger{sugar: z.Sugar()}
}

// Sync flushes buffered logs and pending Rollbar reports.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
	if l.rollbar {
		rollbar.Wait()
	}
}

// keysAndValues turns args into zap key/value pairs.
// expected fmt: error, map[string]interface{}, core.Person, anything else
func (l *Logger) keysAndValues(args []interface{}) []interface{} {
	kvs := make([]interface{}, 0, len(args)*2)
	for i, arg := range args {
		switch a := arg.(type) {
		case error:
			kvs = append(kvs, "error", a)
		case map[string]interface{}:
			for k, v := range a {
				kvs = append(kvs, k, v)
			}
		case core.Person:
			kvs = append(kvs, "person", a.ID)
		default:
			kvs = append(kvs, fmt.Sprintf("arg%d", i), a)
		}
	}
	return kvs
}

// report forwards a log entry to Rollbar.
func (l *Logger) report(level, msg string, args []interface{}) {
	if !l.rollbar {
		return
	}

	var personSet bool
	items := make([]interface{}, 0, len(args)+1)
	items = append(items, msg)
	for _, arg := range args {
		if p, ok := arg.(core.Person); ok {
			if !personSet { // only set one Person
				rollbar.SetPerson(p.ID, p.Name, p.Email)
				personSet = true
			}
			continue
		}
		items = append(items, arg)
	}
	if !personSet {
		rollbar.ClearPerson()
	}

	switch strings.ToLower(level) {
	case rollbar.WARN:
		rollbar.Warning(items...)
	case rollbar.ERR:
		rollbar.Error(items...)
	default:
		rollbar.Critical(items...)
	}
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.sugar.Debugw(msg, l.keysAndValues(args)...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.sugar.Infow(msg, l.keysAndValues(args)...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.report(rollbar.WARN, msg, args)
	l.sugar.Warnw(msg, l.keysAndValues(args)...)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.report(rollbar.ERR, msg, args)
	l.sugar.Errorw(msg, l.keysAndValues(args)...)
}

func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.report(rollbar.CRIT, msg, args)
	l.Sync()
	l.sugar.Fatalw(msg, l.keysAndValues(args)...)
}
