// Package storage defines the persistence contract of the issuer. Every
// mutating operation runs inside Store.InTx so that a state change and the
// notifications it produces commit or roll back together.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/alovak/virtualcards/issuer/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type Store interface {
	// InTx runs fn in one transaction. A non-nil error from fn rolls back
	// every write fn made.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

type Tx interface {
	CardStore
	RequestStore
	NotificationStore
}

type CardStore interface {
	// CreateCard returns ErrConflict when the number is already taken.
	CreateCard(ctx context.Context, card *models.Card) error
	GetCard(ctx context.Context, id string) (*models.Card, error)
	// GetCardForUpdate is GetCard that also locks the row until the
	// transaction ends. Use it before UpdateCard.
	GetCardForUpdate(ctx context.Context, id string) (*models.Card, error)
	UpdateCard(ctx context.Context, card *models.Card) error
	CardNumberExists(ctx context.Context, number string) (bool, error)
	ListCards(ctx context.Context, filter CardFilter) ([]*models.Card, error)
}

type RequestStore interface {
	// CreateRequest returns ErrConflict when the user already has a pending
	// request of the same kind.
	CreateRequest(ctx context.Context, req *models.CardRequest) error
	GetRequest(ctx context.Context, id string) (*models.CardRequest, error)
	// GetRequestForUpdate is GetRequest that also locks the row until the
	// transaction ends.
	GetRequestForUpdate(ctx context.Context, id string) (*models.CardRequest, error)
	UpdateRequest(ctx context.Context, req *models.CardRequest) error
	// HasPendingRequest holds the (userID, kind) pair until the transaction
	// ends, so a concurrent submitter of the same pair waits and then sees
	// this transaction's request.
	HasPendingRequest(ctx context.Context, userID string, kind models.CardKind) (bool, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*models.CardRequest, error)
}

type NotificationStore interface {
	// GetOrInitPreferences returns the user's preferences, inserting the
	// default row first if there is none.
	GetOrInitPreferences(ctx context.Context, userID string, now time.Time) (*models.NotificationPreference, error)
	SavePreferences(ctx context.Context, pref *models.NotificationPreference) error

	CreateNotification(ctx context.Context, event *models.NotificationEvent) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*models.NotificationEvent, error)
	// MarkNotificationsRead marks unread events of userID as read. An empty
	// ids slice means all of them. It returns the number of events changed.
	MarkNotificationsRead(ctx context.Context, userID string, ids []string, at time.Time) (int, error)
	// DeleteNotifications removes events of userID. An empty ids slice means
	// all of them.
	DeleteNotifications(ctx context.Context, userID string, ids []string) (int, error)
	NotificationStats(ctx context.Context, userID string) (models.NotificationStats, error)
}

// CardFilter selects cards, newest first.
type CardFilter struct {
	OwnerID        string
	IncludeExpired bool
}

// RequestFilter selects requests, newest first. Zero fields match anything.
type RequestFilter struct {
	UserID string
	Status models.RequestStatus
	Kind   models.CardKind
}

// NotificationFilter selects one user's events, newest first.
type NotificationFilter struct {
	UserID        string
	Read          *bool
	Severity      models.Severity
	Category      models.NotificationCategory
	ImportantOnly bool
	Limit         int
}

func (f RequestFilter) Match(r *models.CardRequest) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	return true
}

func (f CardFilter) Match(c *models.Card) bool {
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if !f.IncludeExpired && c.Status == models.CardStatusExpired {
		return false
	}
	return true
}

func (f NotificationFilter) Match(e *models.NotificationEvent) bool {
	if e.UserID != f.UserID {
		return false
	}
	if f.Read != nil && e.Read != *f.Read {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.ImportantOnly && !e.Important {
		return false
	}
	return true
}
