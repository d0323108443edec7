// Package memory is an in-process Store for tests and local runs. A single
// mutex serializes transactions. The first write of a transaction snapshots
// the state and a failed transaction restores it; read-only transactions
// copy nothing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
)

type state struct {
	seq           int64
	cards         map[string]models.Card
	cardSeq       map[string]int64
	numbers       map[string]string
	requests      map[string]models.CardRequest
	requestSeq    map[string]int64
	prefs         map[string]models.NotificationPreference
	notifications map[string]models.NotificationEvent
	notifySeq     map[string]int64
}

func newState() *state {
	return &state{
		cards:         make(map[string]models.Card),
		cardSeq:       make(map[string]int64),
		numbers:       make(map[string]string),
		requests:      make(map[string]models.CardRequest),
		requestSeq:    make(map[string]int64),
		prefs:         make(map[string]models.NotificationPreference),
		notifications: make(map[string]models.NotificationEvent),
		notifySeq:     make(map[string]int64),
	}
}

func (s *state) clone() *state {
	out := &state{
		seq:           s.seq,
		cards:         make(map[string]models.Card, len(s.cards)),
		cardSeq:       make(map[string]int64, len(s.cardSeq)),
		numbers:       make(map[string]string, len(s.numbers)),
		requests:      make(map[string]models.CardRequest, len(s.requests)),
		requestSeq:    make(map[string]int64, len(s.requestSeq)),
		prefs:         make(map[string]models.NotificationPreference, len(s.prefs)),
		notifications: make(map[string]models.NotificationEvent, len(s.notifications)),
		notifySeq:     make(map[string]int64, len(s.notifySeq)),
	}
	for k, v := range s.cards {
		out.cards[k] = v
	}
	for k, v := range s.cardSeq {
		out.cardSeq[k] = v
	}
	for k, v := range s.numbers {
		out.numbers[k] = v
	}
	for k, v := range s.requests {
		out.requests[k] = v
	}
	for k, v := range s.requestSeq {
		out.requestSeq[k] = v
	}
	for k, v := range s.prefs {
		out.prefs[k] = v.Clone()
	}
	for k, v := range s.notifications {
		out.notifications[k] = v
	}
	for k, v := range s.notifySeq {
		out.notifySeq[k] = v
	}
	return out
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

type Store struct {
	mu    sync.Mutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s.state}
	if err := fn(t); err != nil {
		if t.snapshot != nil {
			s.state = t.snapshot
		}
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

type tx struct {
	s *state
	// snapshot is the state as it was before the first write.
	snapshot *state
}

func (t *tx) write() {
	if t.snapshot == nil {
		t.snapshot = t.s.clone()
	}
}

func (t *tx) CreateCard(_ context.Context, card *models.Card) error {
	if _, ok := t.s.cards[card.ID]; ok {
		return fmt.Errorf("card %s exists: %w", card.ID, storage.ErrConflict)
	}
	if _, ok := t.s.numbers[card.Number]; ok {
		return fmt.Errorf("card number exists: %w", storage.ErrConflict)
	}
	t.write()
	t.s.cards[card.ID] = *card
	t.s.cardSeq[card.ID] = t.s.next()
	t.s.numbers[card.Number] = card.ID
	return nil
}

func (t *tx) GetCard(_ context.Context, id string) (*models.Card, error) {
	card, ok := t.s.cards[id]
	if !ok {
		return nil, fmt.Errorf("card %s: %w", id, storage.ErrNotFound)
	}
	return &card, nil
}

// GetCardForUpdate is GetCard; the store mutex already serializes transactions.
func (t *tx) GetCardForUpdate(ctx context.Context, id string) (*models.Card, error) {
	return t.GetCard(ctx, id)
}

func (t *tx) UpdateCard(_ context.Context, card *models.Card) error {
	current, ok := t.s.cards[card.ID]
	if !ok {
		return fmt.Errorf("card %s: %w", card.ID, storage.ErrNotFound)
	}
	current.Name = card.Name
	current.Status = card.Status
	current.Balance = card.Balance
	current.UpdatedAt = card.UpdatedAt
	t.write()
	t.s.cards[card.ID] = current
	return nil
}

func (t *tx) CardNumberExists(_ context.Context, number string) (bool, error) {
	_, ok := t.s.numbers[number]
	return ok, nil
}

func (t *tx) ListCards(_ context.Context, filter storage.CardFilter) ([]*models.Card, error) {
	var out []*models.Card
	for id := range t.s.cards {
		card := t.s.cards[id]
		if filter.Match(&card) {
			out = append(out, &card)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].CreatedAt, t.s.cardSeq[out[i].ID], out[j].CreatedAt, t.s.cardSeq[out[j].ID])
	})
	return out, nil
}

func (t *tx) CreateRequest(_ context.Context, req *models.CardRequest) error {
	if _, ok := t.s.requests[req.ID]; ok {
		return fmt.Errorf("request %s exists: %w", req.ID, storage.ErrConflict)
	}
	if req.Status == models.RequestStatusPending {
		pending, _ := t.HasPendingRequest(context.Background(), req.UserID, req.Kind)
		if pending {
			return fmt.Errorf("pending %s request of %s exists: %w", req.Kind, req.UserID, storage.ErrConflict)
		}
	}
	t.write()
	t.s.requests[req.ID] = *req
	t.s.requestSeq[req.ID] = t.s.next()
	return nil
}

func (t *tx) GetRequest(_ context.Context, id string) (*models.CardRequest, error) {
	req, ok := t.s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, storage.ErrNotFound)
	}
	return &req, nil
}

func (t *tx) GetRequestForUpdate(ctx context.Context, id string) (*models.CardRequest, error) {
	return t.GetRequest(ctx, id)
}

func (t *tx) UpdateRequest(_ context.Context, req *models.CardRequest) error {
	if _, ok := t.s.requests[req.ID]; !ok {
		return fmt.Errorf("request %s: %w", req.ID, storage.ErrNotFound)
	}
	t.write()
	t.s.requests[req.ID] = *req
	return nil
}

func (t *tx) HasPendingRequest(_ context.Context, userID string, kind models.CardKind) (bool, error) {
	for _, req := range t.s.requests {
		if req.UserID == userID && req.Kind == kind && req.Status == models.RequestStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) ListRequests(_ context.Context, filter storage.RequestFilter) ([]*models.CardRequest, error) {
	var out []*models.CardRequest
	for id := range t.s.requests {
		req := t.s.requests[id]
		if filter.Match(&req) {
			out = append(out, &req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].CreatedAt, t.s.requestSeq[out[i].ID], out[j].CreatedAt, t.s.requestSeq[out[j].ID])
	})
	return out, nil
}

func (t *tx) GetOrInitPreferences(_ context.Context, userID string, now time.Time) (*models.NotificationPreference, error) {
	pref, ok := t.s.prefs[userID]
	if !ok {
		pref = models.DefaultPreferences(userID, now)
		t.write()
		t.s.prefs[userID] = pref.Clone()
	}
	out := pref.Clone()
	return &out, nil
}

func (t *tx) SavePreferences(_ context.Context, pref *models.NotificationPreference) error {
	t.write()
	t.s.prefs[pref.UserID] = pref.Clone()
	return nil
}

func (t *tx) CreateNotification(_ context.Context, event *models.NotificationEvent) error {
	if _, ok := t.s.notifications[event.ID]; ok {
		return fmt.Errorf("notification %s exists: %w", event.ID, storage.ErrConflict)
	}
	t.write()
	t.s.notifications[event.ID] = *event
	t.s.notifySeq[event.ID] = t.s.next()
	return nil
}

func (t *tx) ListNotifications(_ context.Context, filter storage.NotificationFilter) ([]*models.NotificationEvent, error) {
	var out []*models.NotificationEvent
	for id := range t.s.notifications {
		event := t.s.notifications[id]
		if filter.Match(&event) {
			out = append(out, &event)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].CreatedAt, t.s.notifySeq[out[i].ID], out[j].CreatedAt, t.s.notifySeq[out[j].ID])
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (t *tx) selectNotifications(userID string, ids []string) []string {
	var out []string
	if len(ids) == 0 {
		for id, event := range t.s.notifications {
			if event.UserID == userID {
				out = append(out, id)
			}
		}
		return out
	}
	for _, id := range ids {
		if event, ok := t.s.notifications[id]; ok && event.UserID == userID {
			out = append(out, id)
		}
	}
	return out
}

func (t *tx) MarkNotificationsRead(_ context.Context, userID string, ids []string, at time.Time) (int, error) {
	n := 0
	for _, id := range dedupe(t.selectNotifications(userID, ids)) {
		event := t.s.notifications[id]
		if event.Read {
			continue
		}
		t.write()
		readAt := at
		event.Read = true
		event.ReadAt = &readAt
		t.s.notifications[id] = event
		n++
	}
	return n, nil
}

func (t *tx) DeleteNotifications(_ context.Context, userID string, ids []string) (int, error) {
	n := 0
	for _, id := range dedupe(t.selectNotifications(userID, ids)) {
		t.write()
		delete(t.s.notifications, id)
		delete(t.s.notifySeq, id)
		n++
	}
	return n, nil
}

func (t *tx) NotificationStats(_ context.Context, userID string) (models.NotificationStats, error) {
	stats := models.NotificationStats{UnreadBySeverity: make(map[models.Severity]int, len(models.Severities))}
	for _, sev := range models.Severities {
		stats.UnreadBySeverity[sev] = 0
	}
	for _, event := range t.s.notifications {
		if event.UserID != userID {
			continue
		}
		stats.Total++
		if event.Read {
			continue
		}
		stats.Unread++
		stats.UnreadBySeverity[event.Severity]++
		if event.Important {
			stats.ImportantUnread++
		}
	}
	return stats, nil
}

func newer(a time.Time, aSeq int64, b time.Time, bSeq int64) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return aSeq > bSeq
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

var _ storage.Store = (*Store)(nil)
