// Package logging provides zap logger construction for droverd.
//
// # Overview
//
// The daemon and every component share one *zap.Logger built here from the
// log section of the configuration. Components derive named children:
//
//	logger, err := logging.New("info", "json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync(logger)
//
//	poller := logger.Named("poller")
//
// Output is JSON by default (one line per entry, ISO8601 "ts" key) with a
// console format for local development.
//
// # Concurrency Safety
//
// The logger is safe for concurrent use. Child loggers (With, Named) are
// independent and do not affect parent or siblings.
package logging
