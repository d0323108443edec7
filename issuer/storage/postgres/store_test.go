package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/alovak/virtualcards/internal/expiry"
	"github.com/alovak/virtualcards/internal/tier"
	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
	"github.com/alovak/virtualcards/issuer/storage/postgres"
	"github.com/alovak/virtualcards/issuer/storage/storagetest"
)

// Skips unless DB_DSN is provided and REPO_BACKEND=pg.
func openDB(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv("REPO_BACKEND") != "pg" {
		t.Skip("REPO_BACKEND != pg; skipping DB integration test")
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN not set; skipping DB integration test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	return db
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	defer db.Close()

	require.NoError(t, postgres.New(db, nil).Migrate(ctx))

	storagetest.Run(t, func(t *testing.T) storage.Store {
		_, err := db.ExecContext(ctx, `TRUNCATE issuer.cards, issuer.card_requests, issuer.notification_preferences, issuer.notifications`)
		require.NoError(t, err)

		s, err := postgres.Open(ctx, os.Getenv("DB_DSN"), []byte("test-pan-hash-key"))
		require.NoError(t, err)
		return s
	})
}

func TestCardNumberStoredWithHash(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	defer db.Close()

	s := postgres.New(db, []byte("test-pan-hash-key"))
	require.NoError(t, s.Migrate(ctx))

	number, err := cardgen.GenerateNumber(cardgen.KindTravel)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Millisecond)
	card := &models.Card{
		ID:               uuid.NewString(),
		OwnerID:          "u-hash",
		Number:           number,
		VerificationCode: "123",
		Expiry:           expiry.For(tier.Classic, now),
		Kind:             models.CardKindTravel,
		Category:         tier.Classic,
		Status:           models.CardStatusActive,
		Balance:          decimal.Zero,
		CreditLimit:      decimal.NewFromInt(500),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.InTx(ctx, func(tx storage.Tx) error { return tx.CreateCard(ctx, card) }))

	var last4 string
	var hash []byte
	row := db.QueryRowContext(ctx, `SELECT last4, pan_hash FROM issuer.cards WHERE card_id = $1`, card.ID)
	require.NoError(t, row.Scan(&last4, &hash))
	require.Equal(t, number[12:], last4)
	require.Equal(t, cardgen.HashNumberHMAC(number, []byte("test-pan-hash-key")), hash)

	err = s.InTx(ctx, func(tx storage.Tx) error {
		exists, err := tx.CardNumberExists(ctx, number)
		require.NoError(t, err)
		require.True(t, exists)
		return nil
	})
	require.NoError(t, err)
}

// holdTx runs fn in a transaction that stays open until the returned func
// is called.
func holdTx(t *testing.T, s *postgres.Store, fn func(tx storage.Tx) error) func() {
	t.Helper()
	ctx := context.Background()
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(tx storage.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	select {
	case <-held:
	case err := <-done:
		require.NoError(t, err)
		t.Fatal("transaction finished before holding")
	}
	return func() {
		close(release)
		require.NoError(t, <-done)
	}
}

func TestRowLocks(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	defer db.Close()

	holder := postgres.New(db, []byte("test-pan-hash-key"))
	require.NoError(t, holder.Migrate(ctx))
	waiter := postgres.New(db, []byte("test-pan-hash-key"))
	waiter.SetStatementTimeout(200 * time.Millisecond)

	number, err := cardgen.GenerateNumber(cardgen.KindPersonal)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Millisecond)
	card := &models.Card{
		ID:               uuid.NewString(),
		OwnerID:          "u-locks",
		Name:             "Daily",
		Number:           number,
		VerificationCode: "321",
		Expiry:           expiry.For(tier.Classic, now),
		Kind:             models.CardKindPersonal,
		Category:         tier.Classic,
		Status:           models.CardStatusActive,
		Balance:          decimal.Zero,
		CreditLimit:      decimal.NewFromInt(500),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, holder.InTx(ctx, func(tx storage.Tx) error { return tx.CreateCard(ctx, card) }))

	rename := func(tx storage.Tx) error {
		c, err := tx.GetCardForUpdate(ctx, card.ID)
		if err != nil {
			return err
		}
		c.Name = "Renamed"
		return tx.UpdateCard(ctx, c)
	}

	t.Run("plain read does not block a writer", func(t *testing.T) {
		release := holdTx(t, holder, func(tx storage.Tx) error {
			_, err := tx.GetCard(ctx, card.ID)
			return err
		})
		defer release()

		require.NoError(t, waiter.InTx(ctx, rename))
	})

	t.Run("locking read blocks a writer", func(t *testing.T) {
		release := holdTx(t, holder, func(tx storage.Tx) error {
			_, err := tx.GetCardForUpdate(ctx, card.ID)
			return err
		})
		defer release()

		require.Error(t, waiter.InTx(ctx, rename))
	})

	t.Run("pending check holds the user and kind", func(t *testing.T) {
		release := holdTx(t, holder, func(tx storage.Tx) error {
			_, err := tx.HasPendingRequest(ctx, "u-locks", models.CardKindTravel)
			return err
		})
		defer release()

		err := waiter.InTx(ctx, func(tx storage.Tx) error {
			_, err := tx.HasPendingRequest(ctx, "u-locks", models.CardKindTravel)
			return err
		})
		require.Error(t, err)

		require.NoError(t, waiter.InTx(ctx, func(tx storage.Tx) error {
			_, err := tx.HasPendingRequest(ctx, "u-locks", models.CardKindShopping)
			return err
		}))
	})
}
