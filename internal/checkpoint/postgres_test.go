package checkpoint_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dandori/internal/checkpoint"
	"github.com/ashita-ai/dandori/internal/testutil"
	"github.com/ashita-ai/dandori/migrations"
)

// testStore is the shared Postgres store for all integration tests in this package.
var testStore *checkpoint.PostgresStore

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testStore, err = tc.NewTestStore(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create store: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testStore.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) checkpoint.Store {
		return testStore
	})
}

func TestPostgresMigrationsIdempotent(t *testing.T) {
	// NewTestStore already ran migrations once; a second pass must be a no-op.
	require.NoError(t, testStore.RunMigrations(context.Background(), migrations.FS))
}

func TestPostgresPing(t *testing.T) {
	require.NoError(t, testStore.Ping(context.Background()))
}
