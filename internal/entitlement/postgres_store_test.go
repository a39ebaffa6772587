//go:build integration

package entitlement

import (
	"testing"

	"github.com/mbd888/chadgate/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreContract(t, NewPostgresStore(db))
}

func TestPostgresStore_ConcurrentConsume(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runConcurrentConsume(t, NewPostgresStore(db), 25)
}
