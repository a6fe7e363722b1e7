package config

import (
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// ConfigureSentry initializes the Sentry client if a DSN is configured.
func ConfigureSentry(log logrus.FieldLogger, version string, cfg Sentry) {
	if cfg.DSN == "" {
		return
	}

	log.Debug("using sentry")

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     "v" + version,
	}); err != nil {
		log.WithError(err).Warn("unable to initialize sentry client")
	}
}
