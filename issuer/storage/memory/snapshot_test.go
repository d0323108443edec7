package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
)

func TestInTx_SnapshotsOnFirstWrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2025, time.March, 1, 10, 30, 0, 0, time.UTC)

	var reader *tx
	err := s.InTx(ctx, func(stx storage.Tx) error {
		reader = stx.(*tx)
		if _, err := stx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1"}); err != nil {
			return err
		}
		_, err := stx.NotificationStats(ctx, "u1")
		return err
	})
	require.NoError(t, err)
	require.Nil(t, reader.snapshot)

	boom := errors.New("boom")
	var writer *tx
	err = s.InTx(ctx, func(stx storage.Tx) error {
		writer = stx.(*tx)
		if _, err := stx.GetOrInitPreferences(ctx, "u1", now); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, writer.snapshot)
	require.Empty(t, s.state.prefs)

	// an already initialized row is a read
	require.NoError(t, s.InTx(ctx, func(stx storage.Tx) error {
		_, err := stx.GetOrInitPreferences(ctx, "u1", now)
		return err
	}))
	err = s.InTx(ctx, func(stx storage.Tx) error {
		reader = stx.(*tx)
		pref, err := stx.GetOrInitPreferences(ctx, "u1", now.Add(time.Hour))
		require.NoError(t, err)
		require.True(t, pref.Enabled(models.CategoryCardCreation))
		return nil
	})
	require.NoError(t, err)
	require.Nil(t, reader.snapshot)
}
