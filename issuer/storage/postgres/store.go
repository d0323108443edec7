// Package postgres is the production storage.Store. Rows read for update are
// locked with SELECT ... FOR UPDATE, card numbers are unique by their HMAC
// and a user holds at most one pending request per kind, so a racing insert
// surfaces as storage.ErrConflict.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"

	"github.com/alovak/virtualcards/internal/cardgen"
	"github.com/alovak/virtualcards/internal/dbmigrate"
	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
	"github.com/alovak/virtualcards/issuer/storage/postgres/migrations"
)

const defaultStatementTimeout = 3 * time.Second

type Store struct {
	db               *sql.DB
	hashKey          []byte
	statementTimeout time.Duration
}

// New wraps an open database. hashKey keys the card number HMAC.
func New(db *sql.DB, hashKey []byte) *Store {
	return &Store{db: db, hashKey: hashKey, statementTimeout: defaultStatementTimeout}
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string, hashKey []byte) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(db, hashKey)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := dbmigrate.Apply(ctx, s.db, migrations.FS, dbmigrate.Postgres); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// SetStatementTimeout bounds every statement of later transactions. Zero
// disables the bound.
func (s *Store) SetStatementTimeout(d time.Duration) {
	s.statementTimeout = d
}

func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if s.statementTimeout > 0 {
		ms := strconv.FormatInt(s.statementTimeout.Milliseconds(), 10)
		if _, err := sqlTx.ExecContext(ctx, `SET LOCAL statement_timeout = '`+ms+`ms'`); err != nil {
			return fmt.Errorf("set statement timeout: %w", err)
		}
	}

	if err := fn(&tx{tx: sqlTx, hashKey: s.hashKey}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("commit tx: %w", storage.ErrConflict)
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping returns DB readiness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}

type tx struct {
	tx      *sql.Tx
	hashKey []byte
}

type scanner interface {
	Scan(dest ...any) error
}

// args numbers placeholders as values are appended.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

const cardColumns = `card_id, request_id, owner_id, name, number, verification_code, expiry, kind, category, status, balance, credit_limit, created_at, updated_at`

func scanCard(row scanner) (*models.Card, error) {
	var c models.Card
	err := row.Scan(&c.ID, &c.RequestID, &c.OwnerID, &c.Name, &c.Number, &c.VerificationCode, &c.Expiry,
		&c.Kind, &c.Category, &c.Status, &c.Balance, &c.CreditLimit, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Expiry = dateOnly(c.Expiry)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (t *tx) CreateCard(ctx context.Context, card *models.Card) error {
	number := cardgen.NormalizeNumber(card.Number)
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO issuer.cards(`+cardColumns+`, pan_hash, last4)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, card.ID, card.RequestID, card.OwnerID, card.Name, number, card.VerificationCode, dateOnly(card.Expiry),
		string(card.Kind), string(card.Category), string(card.Status), card.Balance, card.CreditLimit,
		card.CreatedAt, card.UpdatedAt, cardgen.HashNumberHMAC(number, t.hashKey), cardgen.LastN(number, 4))
	if isUniqueViolation(err) {
		return fmt.Errorf("creating card: %w", storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating card: %w", err)
	}
	return nil
}

func (t *tx) GetCard(ctx context.Context, id string) (*models.Card, error) {
	return t.getCard(ctx, id, "")
}

func (t *tx) GetCardForUpdate(ctx context.Context, id string) (*models.Card, error) {
	return t.getCard(ctx, id, " FOR UPDATE")
}

func (t *tx) getCard(ctx context.Context, id, lock string) (*models.Card, error) {
	card, err := scanCard(t.tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM issuer.cards WHERE card_id = $1`+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding card %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding card %s: %w", id, err)
	}
	return card, nil
}

func (t *tx) UpdateCard(ctx context.Context, card *models.Card) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE issuer.cards SET name = $2, status = $3, balance = $4, updated_at = $5
		 WHERE card_id = $1
	`, card.ID, card.Name, string(card.Status), card.Balance, card.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating card %s: %w", card.ID, err)
	}
	return expectRow(res, "card", card.ID)
}

func expectRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("updating %s %s: %w", entity, id, storage.ErrNotFound)
	}
	return nil
}

func (t *tx) CardNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	hash := cardgen.HashNumberHMAC(number, t.hashKey)
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issuer.cards WHERE pan_hash = $1)`, hash).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking card number: %w", err)
	}
	return exists, nil
}

func (t *tx) ListCards(ctx context.Context, filter storage.CardFilter) ([]*models.Card, error) {
	var where []string
	var a args
	if filter.OwnerID != "" {
		where = append(where, "owner_id = "+a.add(filter.OwnerID))
	}
	if !filter.IncludeExpired {
		where = append(where, "status <> "+a.add(string(models.CardStatusExpired)))
	}
	q := `SELECT ` + cardColumns + ` FROM issuer.cards` + whereClause(where) + ` ORDER BY created_at DESC, seq DESC`

	rows, err := t.tx.QueryContext(ctx, q, a...)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	defer rows.Close()

	var out []*models.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("listing cards: %w", err)
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

const requestColumns = `request_id, user_id, kind, card_name, requested_limit, date_of_birth, age_verified, phone_number, emergency_contact, profession, monthly_income, reason, status, created_at, reviewed_at, reviewer_id, reviewer_comments, issued_card_id`

func scanRequest(row scanner) (*models.CardRequest, error) {
	var r models.CardRequest
	var reviewed sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &r.Kind, &r.CardName, &r.RequestedLimit, &r.DateOfBirth, &r.AgeVerified,
		&r.PhoneNumber, &r.EmergencyContact, &r.Profession, &r.MonthlyIncome, &r.Reason, &r.Status,
		&r.CreatedAt, &reviewed, &r.ReviewerID, &r.ReviewerComments, &r.IssuedCardID)
	if err != nil {
		return nil, err
	}
	r.DateOfBirth = dateOnly(r.DateOfBirth)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ReviewedAt = fromNullTime(reviewed)
	return &r, nil
}

func (t *tx) CreateRequest(ctx context.Context, r *models.CardRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO issuer.card_requests(`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, r.ID, r.UserID, string(r.Kind), r.CardName, r.RequestedLimit, dateOnly(r.DateOfBirth), r.AgeVerified,
		r.PhoneNumber, r.EmergencyContact, r.Profession, r.MonthlyIncome, r.Reason, string(r.Status),
		r.CreatedAt, nullTime(r.ReviewedAt), r.ReviewerID, r.ReviewerComments, r.IssuedCardID)
	if isUniqueViolation(err) {
		return fmt.Errorf("creating request: %w", storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return nil
}

func (t *tx) GetRequest(ctx context.Context, id string) (*models.CardRequest, error) {
	return t.getRequest(ctx, id, "")
}

func (t *tx) GetRequestForUpdate(ctx context.Context, id string) (*models.CardRequest, error) {
	return t.getRequest(ctx, id, " FOR UPDATE")
}

func (t *tx) getRequest(ctx context.Context, id, lock string) (*models.CardRequest, error) {
	r, err := scanRequest(t.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM issuer.card_requests WHERE request_id = $1`+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding request %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding request %s: %w", id, err)
	}
	return r, nil
}

func (t *tx) UpdateRequest(ctx context.Context, r *models.CardRequest) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE issuer.card_requests
		   SET status = $2, reviewed_at = $3, reviewer_id = $4, reviewer_comments = $5, issued_card_id = $6
		 WHERE request_id = $1
	`, r.ID, string(r.Status), nullTime(r.ReviewedAt), r.ReviewerID, r.ReviewerComments, r.IssuedCardID)
	if err != nil {
		return fmt.Errorf("updating request %s: %w", r.ID, err)
	}
	return expectRow(res, "request", r.ID)
}

// HasPendingRequest takes a transaction-scoped advisory lock on the pair
// before looking. Under READ COMMITTED the lookup then sees any request a
// concurrent submitter committed while this one waited.
func (t *tx) HasPendingRequest(ctx context.Context, userID string, kind models.CardKind) (bool, error) {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`, userID, string(kind)); err != nil {
		return false, fmt.Errorf("locking pending requests: %w", err)
	}
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM issuer.card_requests WHERE user_id = $1 AND kind = $2 AND status = $3)
	`, userID, string(kind), string(models.RequestStatusPending)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking pending requests: %w", err)
	}
	return exists, nil
}

func (t *tx) ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*models.CardRequest, error) {
	var where []string
	var a args
	if filter.UserID != "" {
		where = append(where, "user_id = "+a.add(filter.UserID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+a.add(string(filter.Status)))
	}
	if filter.Kind != "" {
		where = append(where, "kind = "+a.add(string(filter.Kind)))
	}
	q := `SELECT ` + requestColumns + ` FROM issuer.card_requests` + whereClause(where) + ` ORDER BY created_at DESC, seq DESC`

	rows, err := t.tx.QueryContext(ctx, q, a...)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var out []*models.CardRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("listing requests: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const preferenceColumns = `user_id, card_creation_enabled, card_approval_enabled, card_rejection_enabled, card_activation_enabled, card_deactivation_enabled, new_request_enabled, email_enabled, in_app_enabled, sound_enabled, created_at, updated_at`

func preferenceArgs(p *models.NotificationPreference) []any {
	return []any{
		p.UserID,
		p.Enabled(models.CategoryCardCreation),
		p.Enabled(models.CategoryCardApproval),
		p.Enabled(models.CategoryCardRejection),
		p.Enabled(models.CategoryCardActivation),
		p.Enabled(models.CategoryCardDeactivation),
		p.Enabled(models.CategoryNewRequest),
		p.Email, p.InApp, p.Sound,
		p.CreatedAt, p.UpdatedAt,
	}
}

func (t *tx) GetOrInitPreferences(ctx context.Context, userID string, now time.Time) (*models.NotificationPreference, error) {
	def := models.DefaultPreferences(userID, now)
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO issuer.notification_preferences(`+preferenceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (user_id) DO NOTHING
	`, preferenceArgs(&def)...)
	if err != nil {
		return nil, fmt.Errorf("initializing preferences: %w", err)
	}

	var p models.NotificationPreference
	var creation, approval, rejection, activation, deactivation, newRequest bool
	err = t.tx.QueryRowContext(ctx, `SELECT `+preferenceColumns+` FROM issuer.notification_preferences WHERE user_id = $1`, userID).
		Scan(&p.UserID, &creation, &approval, &rejection, &activation, &deactivation, &newRequest,
			&p.Email, &p.InApp, &p.Sound, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("finding preferences: %w", err)
	}
	p.Categories = map[models.NotificationCategory]bool{
		models.CategoryCardCreation:     creation,
		models.CategoryCardApproval:     approval,
		models.CategoryCardRejection:    rejection,
		models.CategoryCardActivation:   activation,
		models.CategoryCardDeactivation: deactivation,
		models.CategoryNewRequest:       newRequest,
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (t *tx) SavePreferences(ctx context.Context, p *models.NotificationPreference) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO issuer.notification_preferences(`+preferenceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (user_id) DO UPDATE SET
			card_creation_enabled = EXCLUDED.card_creation_enabled,
			card_approval_enabled = EXCLUDED.card_approval_enabled,
			card_rejection_enabled = EXCLUDED.card_rejection_enabled,
			card_activation_enabled = EXCLUDED.card_activation_enabled,
			card_deactivation_enabled = EXCLUDED.card_deactivation_enabled,
			new_request_enabled = EXCLUDED.new_request_enabled,
			email_enabled = EXCLUDED.email_enabled,
			in_app_enabled = EXCLUDED.in_app_enabled,
			sound_enabled = EXCLUDED.sound_enabled,
			updated_at = EXCLUDED.updated_at
	`, preferenceArgs(p)...)
	if err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}

const notificationColumns = `notification_id, user_id, title, body, severity, category, related_card_id, related_request_id, action_url, important, is_read, read_at, created_at`

func scanNotification(row scanner) (*models.NotificationEvent, error) {
	var e models.NotificationEvent
	var readAt sql.NullTime
	err := row.Scan(&e.ID, &e.UserID, &e.Title, &e.Body, &e.Severity, &e.Category, &e.RelatedCardID,
		&e.RelatedRequestID, &e.ActionURL, &e.Important, &e.Read, &readAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ReadAt = fromNullTime(readAt)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (t *tx) CreateNotification(ctx context.Context, e *models.NotificationEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO issuer.notifications(`+notificationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, e.ID, e.UserID, e.Title, e.Body, string(e.Severity), string(e.Category), e.RelatedCardID,
		e.RelatedRequestID, e.ActionURL, e.Important, e.Read, nullTime(e.ReadAt), e.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("creating notification: %w", storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}
	return nil
}

func (t *tx) ListNotifications(ctx context.Context, filter storage.NotificationFilter) ([]*models.NotificationEvent, error) {
	var a args
	where := []string{"user_id = " + a.add(filter.UserID)}
	if filter.Read != nil {
		where = append(where, "is_read = "+a.add(*filter.Read))
	}
	if filter.Severity != "" {
		where = append(where, "severity = "+a.add(string(filter.Severity)))
	}
	if filter.Category != "" {
		where = append(where, "category = "+a.add(string(filter.Category)))
	}
	if filter.ImportantOnly {
		where = append(where, "important")
	}
	q := `SELECT ` + notificationColumns + ` FROM issuer.notifications` + whereClause(where) + ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ` + a.add(filter.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, q, a...)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.NotificationEvent
	for rows.Next() {
		e, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("listing notifications: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *tx) MarkNotificationsRead(ctx context.Context, userID string, ids []string, at time.Time) (int, error) {
	var a args
	q := `UPDATE issuer.notifications SET is_read = TRUE, read_at = ` + a.add(at) +
		` WHERE user_id = ` + a.add(userID) + ` AND NOT is_read`
	if len(ids) > 0 {
		q += ` AND notification_id = ANY(` + a.add(pq.Array(ids)) + `)`
	}
	res, err := t.tx.ExecContext(ctx, q, a...)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *tx) DeleteNotifications(ctx context.Context, userID string, ids []string) (int, error) {
	var a args
	q := `DELETE FROM issuer.notifications WHERE user_id = ` + a.add(userID)
	if len(ids) > 0 {
		q += ` AND notification_id = ANY(` + a.add(pq.Array(ids)) + `)`
	}
	res, err := t.tx.ExecContext(ctx, q, a...)
	if err != nil {
		return 0, fmt.Errorf("deleting notifications: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *tx) NotificationStats(ctx context.Context, userID string) (models.NotificationStats, error) {
	stats := models.NotificationStats{UnreadBySeverity: make(map[models.Severity]int, len(models.Severities))}
	for _, sev := range models.Severities {
		stats.UnreadBySeverity[sev] = 0
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT severity, is_read, important, COUNT(*)
		  FROM issuer.notifications
		 WHERE user_id = $1
		 GROUP BY severity, is_read, important
	`, userID)
	if err != nil {
		return stats, fmt.Errorf("counting notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sev models.Severity
		var read, important bool
		var n int
		if err := rows.Scan(&sev, &read, &important, &n); err != nil {
			return stats, fmt.Errorf("counting notifications: %w", err)
		}
		stats.Total += n
		if read {
			continue
		}
		stats.Unread += n
		stats.UnreadBySeverity[sev] += n
		if important {
			stats.ImportantUnread += n
		}
	}
	return stats, rows.Err()
}

var _ storage.Store = (*Store)(nil)
