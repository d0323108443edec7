package issuer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/alovak/virtualcards/issuer"
	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
	"github.com/alovak/virtualcards/issuer/storage/memory"
)

func TestDispatcher(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	d := issuer.NewDispatcher(issuer.ClockFunc(func() time.Time { return today }), slog.Default())

	notice := issuer.Notice{
		UserID:   "u1",
		Title:    "Card activated",
		Body:     "Your card 'Daily' has been activated successfully.",
		Severity: models.SeveritySuccess,
		Category: models.CategoryCardActivation,
	}

	t.Run("delivers when the category is enabled", func(t *testing.T) {
		var event *models.NotificationEvent
		var outcome issuer.Outcome
		err := store.InTx(ctx, func(tx storage.Tx) error {
			var err error
			event, outcome, err = d.Dispatch(ctx, tx, notice)
			return err
		})
		require.NoError(t, err)
		require.Equal(t, issuer.OutcomeDelivered, outcome)
		require.NotEmpty(t, event.ID)
		require.Equal(t, today, event.CreatedAt)
		require.False(t, event.Read)
	})

	t.Run("skips when the category is disabled", func(t *testing.T) {
		err := store.InTx(ctx, func(tx storage.Tx) error {
			pref, err := tx.GetOrInitPreferences(ctx, "u1", today)
			if err != nil {
				return err
			}
			pref.Categories[models.CategoryCardActivation] = false
			return tx.SavePreferences(ctx, pref)
		})
		require.NoError(t, err)

		var event *models.NotificationEvent
		var outcome issuer.Outcome
		err = store.InTx(ctx, func(tx storage.Tx) error {
			var err error
			event, outcome, err = d.Dispatch(ctx, tx, notice)
			return err
		})
		require.NoError(t, err)
		require.Equal(t, issuer.OutcomeSkipped, outcome)
		require.Nil(t, event)
		require.Equal(t, "skipped", outcome.String())
	})

	t.Run("rejects an unknown category", func(t *testing.T) {
		bad := notice
		bad.Category = "marketing"
		err := store.InTx(ctx, func(tx storage.Tx) error {
			_, _, err := d.Dispatch(ctx, tx, bad)
			return err
		})
		require.Error(t, err)
	})

	require.Equal(t, issuer.DispatchStats{Delivered: 1, Skipped: 1}, d.Stats())
}

func TestTransitionNotice(t *testing.T) {
	card := &models.Card{ID: "c1", OwnerID: "u1", Name: "Daily"}

	n, ok := issuer.TransitionNotice(card, models.Transition{From: models.CardStatusActive, To: models.CardStatusBlocked})
	require.True(t, ok)
	require.Equal(t, models.CategoryCardDeactivation, n.Category)
	require.Equal(t, models.SeverityWarning, n.Severity)
	require.Equal(t, "u1", n.UserID)
	require.Equal(t, "c1", n.RelatedCardID)

	n, ok = issuer.TransitionNotice(card, models.Transition{From: models.CardStatusBlocked, To: models.CardStatusActive})
	require.True(t, ok)
	require.Equal(t, models.CategoryCardActivation, n.Category)

	_, ok = issuer.TransitionNotice(card, models.Transition{From: models.CardStatusBlocked, To: models.CardStatusBlocked})
	require.False(t, ok)

	_, ok = issuer.TransitionNotice(card, models.Transition{From: models.CardStatusActive, To: models.CardStatusExpired})
	require.False(t, ok)
}
