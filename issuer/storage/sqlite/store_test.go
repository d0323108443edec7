package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
	"github.com/alovak/virtualcards/issuer/storage/sqlite"
	"github.com/alovak/virtualcards/issuer/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := sqlite.Open(context.Background(), ":memory:")
		require.NoError(t, err)
		return s
	})
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "issuer.db")

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.GetOrInitPreferences(ctx, "u1", now)
		return err
	}))
	require.NoError(t, s.Close())

	// migrations already applied are skipped
	s, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error {
		pref, err := tx.GetOrInitPreferences(ctx, "u1", now.Add(time.Hour))
		require.NoError(t, err)
		require.True(t, now.Equal(pref.CreatedAt))
		require.True(t, pref.Enabled(models.CategoryNewRequest))
		return nil
	}))
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), " ")
	require.Error(t, err)
}
