package gorm

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm/logger"
)

// testStore creates a Store over a private in-memory SQLite database with
// all migrations applied.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := NewStore(Config{
		Driver:   DriverSQLite,
		DSN:      dsn,
		LogLevel: logger.Silent,
	})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}
