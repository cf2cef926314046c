package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/taskbus/internal/database"
	"github.com/drblury/taskbus/internal/database/databasetest"
)

func TestRunMigrationsIsRepeatable(t *testing.T) {
	pool := databasetest.Open(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	version, err := database.RunMigrations(ctx, pool, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
}
