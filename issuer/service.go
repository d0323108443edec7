package issuer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/alovak/virtualcards/internal/expiry"
	"github.com/alovak/virtualcards/internal/notifybus"
	"github.com/alovak/virtualcards/internal/security"
	"github.com/alovak/virtualcards/internal/tier"
	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
)

type Service struct {
	store      storage.Store
	users      UserDirectory
	config     *Config
	clock      Clock
	codes      security.CodeProvider
	publisher  notifybus.Publisher
	logger     *slog.Logger
	dispatcher *Dispatcher
}

type Option func(*Service)

func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithPublisher(p notifybus.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithCodeProvider replaces the derived verification code with another
// provider, e.g. an HSM-backed one.
func WithCodeProvider(p security.CodeProvider) Option {
	return func(s *Service) { s.codes = p }
}

func NewService(store storage.Store, users UserDirectory, config *Config, opts ...Option) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Service{
		store:     store,
		users:     users,
		config:    config,
		clock:     systemClock{},
		codes:     security.Derived{},
		publisher: notifybus.NopPublisher{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = NewDispatcher(s.clock, s.logger)
	return s
}

func (s *Service) DispatchStats() DispatchStats {
	return s.dispatcher.Stats()
}

// outbox collects the events one transaction attempt created.
type outbox struct {
	events []*models.NotificationEvent
}

func (s *Service) dispatch(ctx context.Context, tx storage.Tx, box *outbox, n Notice) error {
	event, _, err := s.dispatcher.Dispatch(ctx, tx, n)
	if err != nil {
		return err
	}
	if event != nil {
		box.events = append(box.events, event)
	}
	return nil
}

// inTx runs fn in a transaction and publishes the events it dispatched once
// the transaction has committed.
func (s *Service) inTx(ctx context.Context, fn func(tx storage.Tx, box *outbox) error) error {
	var box *outbox
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		box = &outbox{}
		return fn(tx, box)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, box.events)
	return nil
}

func (s *Service) publish(ctx context.Context, events []*models.NotificationEvent) {
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events); err != nil {
		s.logger.Warn("publishing notifications", slog.Int("count", len(events)), slog.Any("err", err))
	}
}

// SubmitRequest validates and stores a new card request and notifies every
// admin about it.
func (s *Service) SubmitRequest(ctx context.Context, in models.SubmitCardRequest) (*models.CardRequest, error) {
	now := s.clock.Now()
	if err := in.Validate(now); err != nil {
		return nil, err
	}

	admins, err := s.users.Admins(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing admins: %w", err)
	}
	requester, err := s.users.DisplayName(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving requester name: %w", err)
	}

	req := &models.CardRequest{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		Kind:             in.Kind,
		CardName:         strings.TrimSpace(in.CardName),
		RequestedLimit:   in.RequestedLimit,
		DateOfBirth:      time.Date(in.DateOfBirth.Year(), in.DateOfBirth.Month(), in.DateOfBirth.Day(), 0, 0, 0, 0, time.UTC),
		AgeVerified:      models.AgeOn(in.DateOfBirth, now) >= models.MinAge,
		PhoneNumber:      strings.TrimSpace(in.PhoneNumber),
		EmergencyContact: strings.TrimSpace(in.EmergencyContact),
		Profession:       strings.TrimSpace(in.Profession),
		MonthlyIncome:    in.MonthlyIncome,
		Reason:           strings.TrimSpace(in.Reason),
		Status:           models.RequestStatusPending,
		CreatedAt:        now,
	}

	err = s.inTx(ctx, func(tx storage.Tx, box *outbox) error {
		pending, err := tx.HasPendingRequest(ctx, req.UserID, req.Kind)
		if err != nil {
			return err
		}
		if pending {
			return &models.ValidationError{Field: "kind", Reason: "a pending request for this card kind already exists"}
		}
		if err := tx.CreateRequest(ctx, req); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return &models.ValidationError{Field: "kind", Reason: "a pending request for this card kind already exists"}
			}
			return err
		}
		for _, adminID := range admins {
			if err := s.dispatch(ctx, tx, box, newRequestNotice(req, adminID, requester)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("card request submitted",
		slog.String("request_id", req.ID),
		slog.String("user_id", req.UserID),
		slog.String("kind", string(req.Kind)),
	)
	return req, nil
}

type ReviewResult struct {
	Request *models.CardRequest
	// Card is the card issued by an approval; nil on rejection.
	Card *models.Card
}

// ReviewRequest approves or rejects a pending request. Approval issues an
// active card. A card number that loses an insert race retries the whole
// review up to Config.MaxIssueAttempts times.
func (s *Service) ReviewRequest(ctx context.Context, requestID string, decision models.Decision, reviewerID, comments string) (*ReviewResult, error) {
	isAdmin, err := s.users.IsAdmin(ctx, reviewerID)
	if err != nil {
		return nil, fmt.Errorf("resolving reviewer: %w", err)
	}
	if !isAdmin {
		return nil, &models.ValidationError{Field: "reviewer_id", Reason: "is not an administrator"}
	}

	attempts := s.config.MaxIssueAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		res, err := s.review(ctx, requestID, decision, reviewerID, comments)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		if attempt >= attempts {
			return nil, fmt.Errorf("issuing card for request %s after %d attempts: %w: %w", requestID, attempt, models.ErrGenerationExhausted, err)
		}
		s.logger.Warn("card number taken concurrently, retrying",
			slog.String("request_id", requestID),
			slog.Int("attempt", attempt),
		)
	}
}

func (s *Service) review(ctx context.Context, requestID string, decision models.Decision, reviewerID, comments string) (*ReviewResult, error) {
	var res *ReviewResult
	err := s.inTx(ctx, func(tx storage.Tx, box *outbox) error {
		now := s.clock.Now()
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if err := req.Review(decision, reviewerID, strings.TrimSpace(comments), now); err != nil {
			return err
		}
		res = &ReviewResult{Request: req}

		if req.Status == models.RequestStatusRejected {
			if err := tx.UpdateRequest(ctx, req); err != nil {
				return err
			}
			return s.dispatch(ctx, tx, box, requestRejectedNotice(req))
		}

		if req.IssuedCardID != "" {
			return tx.UpdateRequest(ctx, req)
		}
		card, err := s.issueCard(ctx, tx, req, now)
		if err != nil {
			return err
		}
		req.IssuedCardID = card.ID
		res.Card = card
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		if err := s.dispatch(ctx, tx, box, requestApprovedNotice(req, card)); err != nil {
			return err
		}
		return s.dispatch(ctx, tx, box, cardCreatedNotice(card))
	})
	if err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("request_id", res.Request.ID),
		slog.String("decision", string(res.Request.Status)),
		slog.String("reviewer_id", reviewerID),
	}
	if res.Card != nil {
		attrs = append(attrs,
			slog.String("card_id", res.Card.ID),
			slog.String("number", res.Card.MaskedNumber()),
			slog.String("category", string(res.Card.Category)),
		)
	}
	s.logger.Info("card request reviewed", attrs...)
	return res, nil
}

func (s *Service) issueCard(ctx context.Context, tx storage.Tx, req *models.CardRequest, now time.Time) (*models.Card, error) {
	category := tier.Classify(req.RequestedLimit)
	number, err := cardgen.GenerateUniqueNumber(req.Kind, s.config.MaxNumberRetries, func(n string) (bool, error) {
		return tx.CardNumberExists(ctx, n)
	})
	if err != nil {
		return nil, fmt.Errorf("generating card number: %w", err)
	}
	exp := expiry.For(category, now)
	code, err := s.codes.VerificationCode(number, exp)
	if err != nil {
		return nil, fmt.Errorf("computing verification code: %w", err)
	}

	card := &models.Card{
		ID:               uuid.NewString(),
		RequestID:        req.ID,
		OwnerID:          req.UserID,
		Name:             req.CardName,
		Number:           number,
		VerificationCode: code,
		Expiry:           exp,
		Kind:             req.Kind,
		Category:         category,
		Status:           models.CardStatusActive,
		Balance:          decimal.Zero,
		CreditLimit:      req.RequestedLimit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.CreateCard(ctx, card); err != nil {
		return nil, err
	}
	return card, nil
}

// CardResult is a card after a lifecycle operation and the status change the
// operation made.
type CardResult struct {
	Card       *models.Card
	Transition models.Transition
}

func (s *Service) ActivateCard(ctx context.Context, cardID string) (*CardResult, error) {
	return s.transition(ctx, cardID, "activate", (*models.Card).Activate)
}

func (s *Service) BlockCard(ctx context.Context, cardID string) (*CardResult, error) {
	return s.transition(ctx, cardID, "block", (*models.Card).Block)
}

// SoftDeleteCard expires the card. The row stays for audit.
func (s *Service) SoftDeleteCard(ctx context.Context, cardID string) (*CardResult, error) {
	return s.transition(ctx, cardID, "soft delete", func(c *models.Card) (models.Transition, error) {
		return c.SoftDelete(), nil
	})
}

func (s *Service) transition(ctx context.Context, cardID, op string, apply func(*models.Card) (models.Transition, error)) (*CardResult, error) {
	var res *CardResult
	err := s.inTx(ctx, func(tx storage.Tx, box *outbox) error {
		card, err := tx.GetCardForUpdate(ctx, cardID)
		if err != nil {
			return err
		}
		tr, err := apply(card)
		if err != nil {
			return err
		}
		res = &CardResult{Card: card, Transition: tr}
		if !tr.Changed() {
			return nil
		}
		card.UpdatedAt = s.clock.Now()
		if err := tx.UpdateCard(ctx, card); err != nil {
			return err
		}
		if n, ok := TransitionNotice(card, tr); ok {
			return s.dispatch(ctx, tx, box, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("card "+op,
		slog.String("card_id", cardID),
		slog.String("from", string(res.Transition.From)),
		slog.String("to", string(res.Transition.To)),
		slog.Bool("changed", res.Transition.Changed()),
	)
	return res, nil
}

// RenameCard changes the display name. The status is untouched, so nothing
// is dispatched.
func (s *Service) RenameCard(ctx context.Context, cardID, name string) (*models.Card, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "is required"}
	}
	if utf8.RuneCountInString(name) > models.MaxCardName {
		return nil, &models.ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", models.MaxCardName)}
	}

	var card *models.Card
	err := s.inTx(ctx, func(tx storage.Tx, _ *outbox) error {
		var err error
		card, err = tx.GetCardForUpdate(ctx, cardID)
		if err != nil {
			return err
		}
		card.Name = name
		card.UpdatedAt = s.clock.Now()
		return tx.UpdateCard(ctx, card)
	})
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (s *Service) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	var card *models.Card
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		card, err = tx.GetCard(ctx, cardID)
		return err
	})
	return card, err
}

// ListCards returns the owner's cards, newest first. Expired cards are
// hidden unless includeExpired is set.
func (s *Service) ListCards(ctx context.Context, ownerID string, includeExpired bool) ([]*models.Card, error) {
	var cards []*models.Card
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		cards, err = tx.ListCards(ctx, storage.CardFilter{OwnerID: ownerID, IncludeExpired: includeExpired})
		return err
	})
	return cards, err
}

func (s *Service) GetRequest(ctx context.Context, requestID string) (*models.CardRequest, error) {
	var req *models.CardRequest
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, requestID)
		return err
	})
	return req, err
}

// ListRequests serves both a user's own history (UserID set) and the admin
// review queue (Status pending).
func (s *Service) ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*models.CardRequest, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown card kind %q", filter.Kind)}
	}
	var reqs []*models.CardRequest
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		reqs, err = tx.ListRequests(ctx, filter)
		return err
	})
	return reqs, err
}

func (s *Service) ListNotifications(ctx context.Context, filter storage.NotificationFilter) ([]*models.NotificationEvent, error) {
	if filter.UserID == "" {
		return nil, &models.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, &models.ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", filter.Severity)}
	}
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, &models.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", filter.Category)}
	}
	var events []*models.NotificationEvent
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		events, err = tx.ListNotifications(ctx, filter)
		return err
	})
	return events, err
}

// MarkRead marks the given events of userID as read, or all of them when no
// ids are given, and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, userID string, ids ...string) (int, error) {
	var n int
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.MarkNotificationsRead(ctx, userID, ids, s.clock.Now())
		return err
	})
	return n, err
}

// DeleteNotifications removes the given events of userID, or all of them
// when no ids are given.
func (s *Service) DeleteNotifications(ctx context.Context, userID string, ids ...string) (int, error) {
	var n int
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.DeleteNotifications(ctx, userID, ids)
		return err
	})
	return n, err
}

func (s *Service) NotificationStats(ctx context.Context, userID string) (models.NotificationStats, error) {
	var stats models.NotificationStats
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		stats, err = tx.NotificationStats(ctx, userID)
		return err
	})
	return stats, err
}

func (s *Service) GetPreferences(ctx context.Context, userID string) (*models.NotificationPreference, error) {
	var pref *models.NotificationPreference
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		pref, err = tx.GetOrInitPreferences(ctx, userID, s.clock.Now())
		return err
	})
	return pref, err
}

func (s *Service) SetPreferences(ctx context.Context, userID string, patch models.PreferencePatch) (*models.NotificationPreference, error) {
	var pref *models.NotificationPreference
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		now := s.clock.Now()
		var err error
		pref, err = tx.GetOrInitPreferences(ctx, userID, now)
		if err != nil {
			return err
		}
		if err := patch.Apply(pref, now); err != nil {
			return err
		}
		return tx.SavePreferences(ctx, pref)
	})
	if err != nil {
		return nil, err
	}
	return pref, nil
}
