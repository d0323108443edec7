package issuer

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
)

// Outcome is what Dispatch did with a notice.
type Outcome int

const (
	// OutcomeDelivered means the event row was written.
	OutcomeDelivered Outcome = iota + 1
	// OutcomeSkipped means the recipient turned the category off. It is not
	// an error and is never retried.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

const (
	actionUserDashboard  = "/user-dashboard"
	actionCardManagement = "/card-management"
)

// Notice is a notification about to be dispatched to one recipient.
type Notice struct {
	UserID           string
	Title            string
	Body             string
	Severity         models.Severity
	Category         models.NotificationCategory
	RelatedCardID    string
	RelatedRequestID string
	ActionURL        string
	Important        bool
}

func cardCreatedNotice(card *models.Card) Notice {
	return Notice{
		UserID:        card.OwnerID,
		Title:         "New virtual card created",
		Body:          fmt.Sprintf("Your virtual card '%s' has been created successfully.", card.Name),
		Severity:      models.SeveritySuccess,
		Category:      models.CategoryCardCreation,
		RelatedCardID: card.ID,
		ActionURL:     actionUserDashboard,
	}
}

func requestApprovedNotice(req *models.CardRequest, card *models.Card) Notice {
	return Notice{
		UserID:           req.UserID,
		Title:            "Card request approved",
		Body:             fmt.Sprintf("Congratulations! Your request for the card '%s' has been approved. Your virtual card is now active.", req.CardName),
		Severity:         models.SeveritySuccess,
		Category:         models.CategoryCardApproval,
		RelatedCardID:    card.ID,
		RelatedRequestID: req.ID,
		ActionURL:        actionUserDashboard,
		Important:        true,
	}
}

func requestRejectedNotice(req *models.CardRequest) Notice {
	body := fmt.Sprintf("Your request for the card '%s' has been rejected.", req.CardName)
	if req.ReviewerComments != "" {
		body += " Reason: " + req.ReviewerComments
	}
	return Notice{
		UserID:           req.UserID,
		Title:            "Card request rejected",
		Body:             body,
		Severity:         models.SeverityError,
		Category:         models.CategoryCardRejection,
		RelatedRequestID: req.ID,
		ActionURL:        actionUserDashboard,
		Important:        true,
	}
}

func newRequestNotice(req *models.CardRequest, adminID, requester string) Notice {
	return Notice{
		UserID:           adminID,
		Title:            "New card request",
		Body:             fmt.Sprintf("A new card request '%s' has been submitted by %s.", req.CardName, requester),
		Severity:         models.SeverityInfo,
		Category:         models.CategoryNewRequest,
		RelatedRequestID: req.ID,
		ActionURL:        actionCardManagement,
		Important:        true,
	}
}

// TransitionNotice maps a card status change to the notice it fires. Only
// real changes into active or blocked notify the owner.
func TransitionNotice(card *models.Card, tr models.Transition) (Notice, bool) {
	if !tr.Changed() {
		return Notice{}, false
	}
	switch tr.To {
	case models.CardStatusActive:
		return Notice{
			UserID:        card.OwnerID,
			Title:         "Card activated",
			Body:          fmt.Sprintf("Your card '%s' has been activated successfully.", card.Name),
			Severity:      models.SeveritySuccess,
			Category:      models.CategoryCardActivation,
			RelatedCardID: card.ID,
			ActionURL:     actionUserDashboard,
		}, true
	case models.CardStatusBlocked:
		return Notice{
			UserID:        card.OwnerID,
			Title:         "Card deactivated",
			Body:          fmt.Sprintf("Your card '%s' has been deactivated.", card.Name),
			Severity:      models.SeverityWarning,
			Category:      models.CategoryCardDeactivation,
			RelatedCardID: card.ID,
			ActionURL:     actionUserDashboard,
		}, true
	default:
		return Notice{}, false
	}
}

// Dispatcher turns notices into stored events, gated by the recipient's
// preferences. It writes through the caller's transaction, so an event and
// the change that caused it commit together.
type Dispatcher struct {
	clock  Clock
	logger *slog.Logger

	delivered atomic.Int64
	skipped   atomic.Int64
}

func NewDispatcher(clock Clock, logger *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{clock: clock, logger: logger}
}

// Dispatch returns the created event, or nil with OutcomeSkipped when the
// recipient has the category disabled.
func (d *Dispatcher) Dispatch(ctx context.Context, tx storage.NotificationStore, n Notice) (*models.NotificationEvent, Outcome, error) {
	if !n.Category.Valid() {
		return nil, 0, fmt.Errorf("dispatching: unknown category %q", n.Category)
	}
	now := d.clock.Now()

	pref, err := tx.GetOrInitPreferences(ctx, n.UserID, now)
	if err != nil {
		return nil, 0, fmt.Errorf("loading preferences of %s: %w", n.UserID, err)
	}
	if !pref.Enabled(n.Category) {
		d.skipped.Add(1)
		d.logger.Debug("notification skipped by preference",
			slog.String("user_id", n.UserID),
			slog.String("category", string(n.Category)),
		)
		return nil, OutcomeSkipped, nil
	}

	event := &models.NotificationEvent{
		ID:               uuid.NewString(),
		UserID:           n.UserID,
		Title:            n.Title,
		Body:             n.Body,
		Severity:         n.Severity,
		Category:         n.Category,
		RelatedCardID:    n.RelatedCardID,
		RelatedRequestID: n.RelatedRequestID,
		ActionURL:        n.ActionURL,
		Important:        n.Important,
		CreatedAt:        now,
	}
	if err := tx.CreateNotification(ctx, event); err != nil {
		return nil, 0, fmt.Errorf("creating notification: %w", err)
	}
	d.delivered.Add(1)
	return event, OutcomeDelivered, nil
}

// DispatchStats counts dispatch outcomes since start, including those whose
// transaction later rolled back.
type DispatchStats struct {
	Delivered int64
	Skipped   int64
}

func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{Delivered: d.delivered.Load(), Skipped: d.skipped.Load()}
}
