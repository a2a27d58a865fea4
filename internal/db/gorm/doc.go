// Package gorm provides the GORM-based score ledger, leaderboard standings
// and user lookup for tally.
//
// PostgreSQL is the production driver; SQLite (pure Go, no cgo) serves local
// development and tests:
//
//	store, err := gorm.NewStore(gorm.Config{
//	    Driver:   gorm.DriverSQLite,
//	    DSN:      "file:tally.db?_pragma=busy_timeout(5000)",
//	    LogLevel: logger.Silent,
//	})
//
// # Testing
//
// Unit tests run against in-memory SQLite. The PostgreSQL integration test
// needs Docker and the integration build tag:
//
//	go test -tags integration ./internal/db/gorm
package gorm
