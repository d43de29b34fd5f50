package order

import (
	"context"
	"testing"

	"imobilerepair/internal/db/dbtest"

	"github.com/stretchr/testify/require"
)

func TestPostgresRepository(t *testing.T) {
	pool := dbtest.Pool(t)
	runContract(t, func(t *testing.T) Repository {
		_, err := pool.Exec(context.Background(), `TRUNCATE orders`)
		require.NoError(t, err)
		return NewPostgres(pool, nil)
	})
}
