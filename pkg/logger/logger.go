package logger

import (
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger

	sentryClient *sentry.Client
}

// Option configures optional logger integrations.
type Option func(*options)

type options struct {
	sentryDSN  string
	sentryTags map[string]string
}

// WithSentry forwards error level entries to Sentry when dsn is not empty.
func WithSentry(dsn string, tags map[string]string) Option {
	return func(o *options) {
		o.sentryDSN = dsn
		o.sentryTags = tags
	}
}

func NewLogger(dev bool, opts ...Option) (*Logger, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	config := zap.NewProductionConfig()
	if dev {
		config = zap.NewDevelopmentConfig()
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	l := &Logger{}
	if o.sentryDSN != "" {
		client, err := sentry.NewClient(sentry.ClientOptions{
			Dsn:   o.sentryDSN,
			Debug: dev,
		})
		if err != nil {
			return nil, err
		}
		core, err := zapsentry.NewCore(zapsentry.Configuration{
			Level:             zapcore.ErrorLevel,
			EnableBreadcrumbs: true,
			BreadcrumbLevel:   zapcore.InfoLevel,
			Tags:              o.sentryTags,
		}, zapsentry.NewSentryClientFromClient(client))
		if err != nil {
			return nil, err
		}
		logger = zapsentry.AttachCoreToLogger(core, logger)
		l.sentryClient = client
	}

	l.SugaredLogger = logger.Sugar()
	return l, nil
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Info(args ...interface{}) {
	l.SugaredLogger.Info(args...)
}

func (l *Logger) Error(args ...interface{}) {
	l.SugaredLogger.Error(args...)
}

func (l *Logger) Debug(args ...interface{}) {
	l.SugaredLogger.Debug(args...)
}

func (l *Logger) Warn(args ...interface{}) {
	l.SugaredLogger.Warn(args...)
}

func (l *Logger) Fatal(args ...interface{}) {
	l.SugaredLogger.Fatal(args...)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.SugaredLogger.Fatalf(format, args...)
}

func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, keysAndValues...)
}

func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, keysAndValues...)
}

func (l *Logger) Debugw(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, keysAndValues...)
}

func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, keysAndValues...)
}

// Sync flushes buffered log entries and pending Sentry events.
func (l *Logger) Sync(timeout time.Duration) {
	_ = l.SugaredLogger.Sync()
	if l.sentryClient != nil {
		l.sentryClient.Flush(timeout)
	}
}
