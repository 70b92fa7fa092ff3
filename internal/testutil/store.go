package testutil

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/pkg/types"
)

// Logger returns a logger that discards everything below panic level
func Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// NewTestStore opens a migrated cache in a temporary directory. It is closed
// automatically when the test ends.
func NewTestStore(t *testing.T) *cache.Store {
	t.Helper()

	logger := Logger()
	c, err := cache.NewCache(filepath.Join(t.TempDir(), "cache.db"), logger)
	if err != nil {
		t.Fatalf("creating test cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return cache.NewStore(c, logger)
}

// SeedAccount inserts an account row and returns its id
func SeedAccount(t *testing.T, store *cache.Store, name string) int64 {
	t.Helper()

	id, err := store.UpsertAccount(&types.Account{
		Name:     name,
		Email:    name + "@example.com",
		Server:   "mail.example.com",
		Username: name,
	})
	if err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	return id
}
