// Package storagetest is a conformance suite every storage.Store backend runs
// from its own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
)

// base is a fixed instant with whole milliseconds so every backend round
// trips it exactly.
var base = time.Date(2025, time.March, 1, 10, 30, 0, 0, time.UTC)

// Run exercises store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"cards round trip", testCardsRoundTrip},
		{"card number uniqueness", testCardNumberUniqueness},
		{"list cards", testListCards},
		{"requests", testRequests},
		{"rollback", testRollback},
		{"preferences", testPreferences},
		{"notifications", testNotifications},
		{"mark read and delete", testMarkReadAndDelete},
		{"concurrent transactions", testConcurrentTransactions},
		{"locking reads", testLockingReads},
		{"one pending request per kind", testOnePendingRequest},
		{"concurrent submits", testConcurrentSubmits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newCard(t *testing.T, owner string, createdAt time.Time) *models.Card {
	t.Helper()
	number, err := cardgen.GenerateNumber(cardgen.KindPersonal)
	require.NoError(t, err)
	return &models.Card{
		ID:               uuid.NewString(),
		RequestID:        uuid.NewString(),
		OwnerID:          owner,
		Name:             "Groceries",
		Number:           number,
		VerificationCode: "042",
		Expiry:           time.Date(2028, time.March, 1, 0, 0, 0, 0, time.UTC),
		Kind:             models.CardKindPersonal,
		Category:         "gold",
		Status:           models.CardStatusActive,
		Balance:          decimal.Zero,
		CreditLimit:      decimal.RequireFromString("2500.50"),
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func newRequest(user string, kind models.CardKind, createdAt time.Time) *models.CardRequest {
	return &models.CardRequest{
		ID:               uuid.NewString(),
		UserID:           user,
		Kind:             kind,
		CardName:         "Trip",
		RequestedLimit:   decimal.NewFromInt(6000),
		DateOfBirth:      time.Date(1990, time.May, 17, 0, 0, 0, 0, time.UTC),
		AgeVerified:      true,
		PhoneNumber:      "+33123456789",
		EmergencyContact: "Jane +33100000000",
		Profession:       "engineer",
		MonthlyIncome:    decimal.RequireFromString("4200.00"),
		Reason:           "Need for travel expenses",
		Status:           models.RequestStatusPending,
		CreatedAt:        createdAt,
	}
}

func newEvent(user string, cat models.NotificationCategory, sev models.Severity, important bool, createdAt time.Time) *models.NotificationEvent {
	return &models.NotificationEvent{
		ID:        uuid.NewString(),
		UserID:    user,
		Title:     "title",
		Body:      "body",
		Severity:  sev,
		Category:  cat,
		ActionURL: "/user-dashboard",
		Important: important,
		CreatedAt: createdAt,
	}
}

func inTx(t *testing.T, s storage.Store, fn func(tx storage.Tx) error) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), fn))
}

func testCardsRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	card := newCard(t, "u1", base)

	inTx(t, s, func(tx storage.Tx) error { return tx.CreateCard(ctx, card) })

	var got *models.Card
	inTx(t, s, func(tx storage.Tx) error {
		var err error
		got, err = tx.GetCard(ctx, card.ID)
		return err
	})
	require.Equal(t, card.Number, got.Number)
	require.Equal(t, card.VerificationCode, got.VerificationCode)
	require.Equal(t, card.OwnerID, got.OwnerID)
	require.Equal(t, card.RequestID, got.RequestID)
	require.Equal(t, card.Name, got.Name)
	require.Equal(t, card.Kind, got.Kind)
	require.Equal(t, card.Category, got.Category)
	require.Equal(t, card.Status, got.Status)
	require.True(t, card.CreditLimit.Equal(got.CreditLimit))
	require.True(t, got.Balance.IsZero())
	require.True(t, card.Expiry.Equal(got.Expiry))
	require.True(t, card.CreatedAt.Equal(got.CreatedAt))

	got.Status = models.CardStatusBlocked
	got.Name = "Renamed"
	got.UpdatedAt = base.Add(time.Minute)
	inTx(t, s, func(tx storage.Tx) error { return tx.UpdateCard(ctx, got) })

	inTx(t, s, func(tx storage.Tx) error {
		again, err := tx.GetCard(ctx, card.ID)
		require.NoError(t, err)
		require.Equal(t, models.CardStatusBlocked, again.Status)
		require.Equal(t, "Renamed", again.Name)
		require.True(t, got.UpdatedAt.Equal(again.UpdatedAt))
		return nil
	})

	err := s.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.GetCard(ctx, uuid.NewString())
		return err
	})
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = s.InTx(ctx, func(tx storage.Tx) error {
		missing := newCard(t, "u1", base)
		return tx.UpdateCard(ctx, missing)
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testCardNumberUniqueness(t *testing.T, s storage.Store) {
	ctx := context.Background()
	card := newCard(t, "u1", base)
	inTx(t, s, func(tx storage.Tx) error { return tx.CreateCard(ctx, card) })

	inTx(t, s, func(tx storage.Tx) error {
		exists, err := tx.CardNumberExists(ctx, card.Number)
		require.NoError(t, err)
		require.True(t, exists)

		exists, err = tx.CardNumberExists(ctx, "4532800000000000")
		require.NoError(t, err)
		require.False(t, exists)
		return nil
	})

	dup := newCard(t, "u2", base)
	dup.Number = card.Number
	err := s.InTx(ctx, func(tx storage.Tx) error { return tx.CreateCard(ctx, dup) })
	require.ErrorIs(t, err, storage.ErrConflict)
}

func testListCards(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := newCard(t, "u1", base)
	second := newCard(t, "u1", base.Add(time.Hour))
	expired := newCard(t, "u1", base.Add(2*time.Hour))
	expired.Status = models.CardStatusExpired
	other := newCard(t, "u2", base)

	inTx(t, s, func(tx storage.Tx) error {
		for _, c := range []*models.Card{first, second, expired, other} {
			if err := tx.CreateCard(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})

	inTx(t, s, func(tx storage.Tx) error {
		cards, err := tx.ListCards(ctx, storage.CardFilter{OwnerID: "u1"})
		require.NoError(t, err)
		require.Equal(t, []string{second.ID, first.ID}, cardIDs(cards))

		cards, err = tx.ListCards(ctx, storage.CardFilter{OwnerID: "u1", IncludeExpired: true})
		require.NoError(t, err)
		require.Equal(t, []string{expired.ID, second.ID, first.ID}, cardIDs(cards))

		cards, err = tx.ListCards(ctx, storage.CardFilter{IncludeExpired: true})
		require.NoError(t, err)
		require.Len(t, cards, 4)
		return nil
	})
}

func cardIDs(cards []*models.Card) []string {
	ids := make([]string, 0, len(cards))
	for _, c := range cards {
		ids = append(ids, c.ID)
	}
	return ids
}

func testRequests(t *testing.T, s storage.Store) {
	ctx := context.Background()
	req := newRequest("u1", models.CardKindTravel, base)
	older := newRequest("u1", models.CardKindPersonal, base.Add(-time.Hour))
	other := newRequest("u2", models.CardKindTravel, base)

	inTx(t, s, func(tx storage.Tx) error {
		for _, r := range []*models.CardRequest{req, older, other} {
			if err := tx.CreateRequest(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})

	inTx(t, s, func(tx storage.Tx) error {
		pending, err := tx.HasPendingRequest(ctx, "u1", models.CardKindTravel)
		require.NoError(t, err)
		require.True(t, pending)

		pending, err = tx.HasPendingRequest(ctx, "u1", models.CardKindShopping)
		require.NoError(t, err)
		require.False(t, pending)

		got, err := tx.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		require.Equal(t, req.CardName, got.CardName)
		require.Equal(t, req.Reason, got.Reason)
		require.Equal(t, req.PhoneNumber, got.PhoneNumber)
		require.Equal(t, req.Profession, got.Profession)
		require.True(t, req.RequestedLimit.Equal(got.RequestedLimit))
		require.True(t, req.MonthlyIncome.Equal(got.MonthlyIncome))
		require.True(t, req.DateOfBirth.Equal(got.DateOfBirth))
		require.True(t, got.AgeVerified)
		require.Nil(t, got.ReviewedAt)
		require.Empty(t, got.IssuedCardID)

		reviewed := base.Add(time.Minute)
		got.Status = models.RequestStatusApproved
		got.ReviewedAt = &reviewed
		got.ReviewerID = "admin"
		got.ReviewerComments = "ok"
		got.IssuedCardID = uuid.NewString()
		return tx.UpdateRequest(ctx, got)
	})

	inTx(t, s, func(tx storage.Tx) error {
		got, err := tx.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		require.Equal(t, models.RequestStatusApproved, got.Status)
		require.NotNil(t, got.ReviewedAt)
		require.True(t, base.Add(time.Minute).Equal(*got.ReviewedAt))
		require.Equal(t, "admin", got.ReviewerID)
		require.Equal(t, "ok", got.ReviewerComments)
		require.NotEmpty(t, got.IssuedCardID)

		pending, err := tx.HasPendingRequest(ctx, "u1", models.CardKindTravel)
		require.NoError(t, err)
		require.False(t, pending)

		list, err := tx.ListRequests(ctx, storage.RequestFilter{UserID: "u1"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, req.ID, list[0].ID)
		require.Equal(t, older.ID, list[1].ID)

		list, err = tx.ListRequests(ctx, storage.RequestFilter{Status: models.RequestStatusPending})
		require.NoError(t, err)
		require.Len(t, list, 2)

		list, err = tx.ListRequests(ctx, storage.RequestFilter{Kind: models.CardKindTravel, Status: models.RequestStatusPending})
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, other.ID, list[0].ID)

		_, err = tx.GetRequest(ctx, uuid.NewString())
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
}

var errBoom = errors.New("boom")

func testRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	card := newCard(t, "u1", base)
	req := newRequest("u1", models.CardKindShopping, base)
	event := newEvent("u1", models.CategoryCardCreation, models.SeveritySuccess, false, base)

	err := s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateCard(ctx, card); err != nil {
			return err
		}
		if err := tx.CreateRequest(ctx, req); err != nil {
			return err
		}
		if _, err := tx.GetOrInitPreferences(ctx, "u1", base); err != nil {
			return err
		}
		if err := tx.CreateNotification(ctx, event); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	inTx(t, s, func(tx storage.Tx) error {
		_, err := tx.GetCard(ctx, card.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)

		exists, err := tx.CardNumberExists(ctx, card.Number)
		require.NoError(t, err)
		require.False(t, exists)

		_, err = tx.GetRequest(ctx, req.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)

		events, err := tx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1"})
		require.NoError(t, err)
		require.Empty(t, events)
		return nil
	})

	// a rolled back status change leaves the committed row intact
	inTx(t, s, func(tx storage.Tx) error { return tx.CreateCard(ctx, card) })
	err = s.InTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetCard(ctx, card.ID)
		if err != nil {
			return err
		}
		c.Status = models.CardStatusExpired
		if err := tx.UpdateCard(ctx, c); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	inTx(t, s, func(tx storage.Tx) error {
		c, err := tx.GetCard(ctx, card.ID)
		require.NoError(t, err)
		require.Equal(t, models.CardStatusActive, c.Status)
		return nil
	})
}

func testPreferences(t *testing.T, s storage.Store) {
	ctx := context.Background()

	var first *models.NotificationPreference
	inTx(t, s, func(tx storage.Tx) error {
		var err error
		first, err = tx.GetOrInitPreferences(ctx, "u1", base)
		return err
	})
	require.Equal(t, "u1", first.UserID)
	require.True(t, first.InApp)
	require.False(t, first.Email)
	require.False(t, first.Sound)
	for _, c := range models.NotificationCategories {
		require.True(t, first.Enabled(c))
	}

	first.Categories[models.CategoryCardDeactivation] = false
	first.Sound = true
	first.UpdatedAt = base.Add(time.Hour)
	inTx(t, s, func(tx storage.Tx) error { return tx.SavePreferences(ctx, first) })

	inTx(t, s, func(tx storage.Tx) error {
		got, err := tx.GetOrInitPreferences(ctx, "u1", base.Add(2*time.Hour))
		require.NoError(t, err)
		require.False(t, got.Enabled(models.CategoryCardDeactivation))
		require.True(t, got.Enabled(models.CategoryCardActivation))
		require.True(t, got.Sound)
		require.True(t, base.Equal(got.CreatedAt))
		return nil
	})

	// init inside a rolled back transaction leaves no row behind
	err := s.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetOrInitPreferences(ctx, "u2", base); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	inTx(t, s, func(tx storage.Tx) error {
		got, err := tx.GetOrInitPreferences(ctx, "u2", base.Add(time.Hour))
		require.NoError(t, err)
		require.True(t, base.Add(time.Hour).Equal(got.CreatedAt))
		return nil
	})
}

func testNotifications(t *testing.T, s storage.Store) {
	ctx := context.Background()
	e1 := newEvent("u1", models.CategoryCardCreation, models.SeveritySuccess, false, base)
	e2 := newEvent("u1", models.CategoryCardApproval, models.SeveritySuccess, true, base.Add(time.Minute))
	e3 := newEvent("u1", models.CategoryCardRejection, models.SeverityError, true, base.Add(2*time.Minute))
	e4 := newEvent("u2", models.CategoryNewRequest, models.SeverityInfo, true, base)
	e2.RelatedCardID = uuid.NewString()
	e2.RelatedRequestID = uuid.NewString()

	inTx(t, s, func(tx storage.Tx) error {
		for _, e := range []*models.NotificationEvent{e1, e2, e3, e4} {
			if err := tx.CreateNotification(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	inTx(t, s, func(tx storage.Tx) error {
		all, err := tx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1"})
		require.NoError(t, err)
		require.Equal(t, []string{e3.ID, e2.ID, e1.ID}, eventIDs(all))
		require.Equal(t, e2.RelatedCardID, all[1].RelatedCardID)
		require.Equal(t, e2.RelatedRequestID, all[1].RelatedRequestID)
		require.Equal(t, "/user-dashboard", all[1].ActionURL)
		require.True(t, all[1].Important)
		require.False(t, all[1].Read)
		require.Nil(t, all[1].ReadAt)

		important, err := tx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1", ImportantOnly: true})
		require.NoError(t, err)
		require.Equal(t, []string{e3.ID, e2.ID}, eventIDs(important))

		bySeverity, err := tx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1", Severity: models.SeveritySuccess})
		require.NoError(t, err)
		require.Equal(t, []string{e2.ID, e1.ID}, eventIDs(bySeverity))

		byCategory, err := tx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1", Category: models.CategoryCardRejection})
		require.NoError(t, err)
		require.Equal(t, []string{e3.ID}, eventIDs(byCategory))

		limited, err := tx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1", Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{e3.ID, e2.ID}, eventIDs(limited))

		stats, err := tx.NotificationStats(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, 3, stats.Total)
		require.Equal(t, 3, stats.Unread)
		require.Equal(t, 2, stats.ImportantUnread)
		require.Equal(t, 2, stats.UnreadBySeverity[models.SeveritySuccess])
		require.Equal(t, 1, stats.UnreadBySeverity[models.SeverityError])
		require.Equal(t, 0, stats.UnreadBySeverity[models.SeverityAlert])
		return nil
	})
}

func eventIDs(events []*models.NotificationEvent) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}

func testMarkReadAndDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	e1 := newEvent("u1", models.CategoryCardCreation, models.SeveritySuccess, false, base)
	e2 := newEvent("u1", models.CategoryCardApproval, models.SeveritySuccess, true, base.Add(time.Minute))
	e3 := newEvent("u1", models.CategoryCardActivation, models.SeveritySuccess, false, base.Add(2*time.Minute))
	foreign := newEvent("u2", models.CategoryNewRequest, models.SeverityInfo, true, base)

	inTx(t, s, func(tx storage.Tx) error {
		for _, e := range []*models.NotificationEvent{e1, e2, e3, foreign} {
			if err := tx.CreateNotification(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	readAt := base.Add(time.Hour)
	inTx(t, s, func(tx storage.Tx) error {
		// another user's id is ignored
		n, err := tx.MarkNotificationsRead(ctx, "u1", []string{e1.ID, foreign.ID}, readAt)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = tx.MarkNotificationsRead(ctx, "u1", []string{e1.ID}, readAt)
		require.NoError(t, err)
		require.Zero(t, n)

		unread := false
		events, err := tx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1", Read: &unread})
		require.NoError(t, err)
		require.Equal(t, []string{e3.ID, e2.ID}, eventIDs(events))

		read := true
		events, err = tx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u1", Read: &read})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.NotNil(t, events[0].ReadAt)
		require.True(t, readAt.Equal(*events[0].ReadAt))

		n, err = tx.MarkNotificationsRead(ctx, "u1", nil, readAt)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		stats, err := tx.NotificationStats(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, 3, stats.Total)
		require.Zero(t, stats.Unread)
		require.False(t, stats.HasUnread())

		stats, err = tx.NotificationStats(ctx, "u2")
		require.NoError(t, err)
		require.Equal(t, 1, stats.Unread)
		return nil
	})

	inTx(t, s, func(tx storage.Tx) error {
		n, err := tx.DeleteNotifications(ctx, "u1", []string{e1.ID, foreign.ID})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = tx.DeleteNotifications(ctx, "u1", nil)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		events, err := tx.ListNotifications(ctx, storage.NotificationFilter{UserID: "u2"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		return nil
	})
}

// Concurrent read-modify-write transactions on one row are serialized.
func testConcurrentTransactions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	card := newCard(t, "u1", base)
	inTx(t, s, func(tx storage.Tx) error { return tx.CreateCard(ctx, card) })

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.InTx(ctx, func(tx storage.Tx) error {
				c, err := tx.GetCardForUpdate(ctx, card.ID)
				if err != nil {
					return err
				}
				c.Balance = c.Balance.Add(decimal.NewFromInt(1))
				return tx.UpdateCard(ctx, c)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	inTx(t, s, func(tx storage.Tx) error {
		c, err := tx.GetCard(ctx, card.ID)
		require.NoError(t, err)
		require.True(t, decimal.NewFromInt(workers).Equal(c.Balance), fmt.Sprintf("balance %s", c.Balance))
		return nil
	})
}

func testLockingReads(t *testing.T, s storage.Store) {
	ctx := context.Background()
	card := newCard(t, "u1", base)
	req := newRequest("u1", models.CardKindTravel, base)
	inTx(t, s, func(tx storage.Tx) error {
		if err := tx.CreateCard(ctx, card); err != nil {
			return err
		}
		return tx.CreateRequest(ctx, req)
	})

	inTx(t, s, func(tx storage.Tx) error {
		plain, err := tx.GetCard(ctx, card.ID)
		require.NoError(t, err)
		locked, err := tx.GetCardForUpdate(ctx, card.ID)
		require.NoError(t, err)
		require.Equal(t, plain.Number, locked.Number)
		require.Equal(t, plain.Status, locked.Status)
		require.True(t, plain.CreditLimit.Equal(locked.CreditLimit))

		plainReq, err := tx.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		lockedReq, err := tx.GetRequestForUpdate(ctx, req.ID)
		require.NoError(t, err)
		require.Equal(t, plainReq.UserID, lockedReq.UserID)
		require.Equal(t, plainReq.Status, lockedReq.Status)

		_, err = tx.GetCardForUpdate(ctx, uuid.NewString())
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetRequestForUpdate(ctx, uuid.NewString())
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
}

func testOnePendingRequest(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := newRequest("u1", models.CardKindTravel, base)
	inTx(t, s, func(tx storage.Tx) error { return tx.CreateRequest(ctx, first) })

	err := s.InTx(ctx, func(tx storage.Tx) error {
		return tx.CreateRequest(ctx, newRequest("u1", models.CardKindTravel, base.Add(time.Minute)))
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	// other kinds and other users are independent
	inTx(t, s, func(tx storage.Tx) error {
		if err := tx.CreateRequest(ctx, newRequest("u1", models.CardKindShopping, base)); err != nil {
			return err
		}
		return tx.CreateRequest(ctx, newRequest("u2", models.CardKindTravel, base))
	})

	// a reviewed request no longer blocks a new one
	inTx(t, s, func(tx storage.Tx) error {
		got, err := tx.GetRequestForUpdate(ctx, first.ID)
		if err != nil {
			return err
		}
		reviewed := base.Add(time.Hour)
		got.Status = models.RequestStatusRejected
		got.ReviewedAt = &reviewed
		got.ReviewerID = "admin"
		got.ReviewerComments = "no"
		return tx.UpdateRequest(ctx, got)
	})
	inTx(t, s, func(tx storage.Tx) error {
		return tx.CreateRequest(ctx, newRequest("u1", models.CardKindTravel, base.Add(2*time.Hour)))
	})
}

var errDuplicatePending = errors.New("duplicate pending request")

// Concurrent check-then-insert submitters of one user and kind leave exactly
// one pending request.
func testConcurrentSubmits(t *testing.T, s storage.Store) {
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.InTx(ctx, func(tx storage.Tx) error {
				pending, err := tx.HasPendingRequest(ctx, "u1", models.CardKindTravel)
				if err != nil {
					return err
				}
				if pending {
					return errDuplicatePending
				}
				return tx.CreateRequest(ctx, newRequest("u1", models.CardKindTravel, base))
			})
		}()
	}
	wg.Wait()
	close(errs)

	var created int
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, errDuplicatePending), errors.Is(err, storage.ErrConflict):
		default:
			require.NoError(t, err)
		}
	}
	require.Equal(t, 1, created)

	inTx(t, s, func(tx storage.Tx) error {
		list, err := tx.ListRequests(ctx, storage.RequestFilter{
			UserID: "u1",
			Kind:   models.CardKindTravel,
			Status: models.RequestStatusPending,
		})
		require.NoError(t, err)
		require.Len(t, list, 1)
		return nil
	})
}
