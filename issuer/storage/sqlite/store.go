// Package sqlite is a storage.Store on an embedded SQLite database. It runs on
// a single connection, so transactions are serialized.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/alovak/virtualcards/internal/dbmigrate"
	"github.com/alovak/virtualcards/issuer/models"
	"github.com/alovak/virtualcards/issuer/storage"
	"github.com/alovak/virtualcards/issuer/storage/sqlite/migrations"
)

const dateLayout = "2006-01-02"

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := dbmigrate.Apply(ctx, db, migrations.FS, dbmigrate.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type tx struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func toDate(t time.Time) string {
	return t.Format(dateLayout)
}

func fromDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const cardColumns = `id, request_id, owner_id, name, number, verification_code, expiry, kind, category, status, balance, credit_limit, created_at, updated_at`

func scanCard(row scanner) (*models.Card, error) {
	var c models.Card
	var exp string
	var created, updated int64
	err := row.Scan(&c.ID, &c.RequestID, &c.OwnerID, &c.Name, &c.Number, &c.VerificationCode, &exp,
		&c.Kind, &c.Category, &c.Status, &c.Balance, &c.CreditLimit, &created, &updated)
	if err != nil {
		return nil, err
	}
	if c.Expiry, err = fromDate(exp); err != nil {
		return nil, fmt.Errorf("parsing expiry of card %s: %w", c.ID, err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

func (t *tx) CreateCard(ctx context.Context, card *models.Card) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO cards (`+cardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		card.ID, card.RequestID, card.OwnerID, card.Name, card.Number, card.VerificationCode, toDate(card.Expiry),
		string(card.Kind), string(card.Category), string(card.Status), card.Balance.String(), card.CreditLimit.String(),
		toMillis(card.CreatedAt), toMillis(card.UpdatedAt))
	if isConstraintError(err) {
		return fmt.Errorf("creating card: %w", storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating card: %w", err)
	}
	return nil
}

func (t *tx) GetCard(ctx context.Context, id string) (*models.Card, error) {
	card, err := scanCard(t.tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding card %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding card %s: %w", id, err)
	}
	return card, nil
}

// GetCardForUpdate is GetCard; the single connection already serializes
// transactions.
func (t *tx) GetCardForUpdate(ctx context.Context, id string) (*models.Card, error) {
	return t.GetCard(ctx, id)
}

func (t *tx) UpdateCard(ctx context.Context, card *models.Card) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE cards SET name = ?, status = ?, balance = ?, updated_at = ? WHERE id = ?`,
		card.Name, string(card.Status), card.Balance.String(), toMillis(card.UpdatedAt), card.ID)
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
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM cards WHERE number = ?`, number).Scan(&n); err != nil {
		return false, fmt.Errorf("checking card number: %w", err)
	}
	return n > 0, nil
}

func (t *tx) ListCards(ctx context.Context, filter storage.CardFilter) ([]*models.Card, error) {
	var where []string
	var args []any
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if !filter.IncludeExpired {
		where = append(where, "status <> ?")
		args = append(args, string(models.CardStatusExpired))
	}
	q := `SELECT ` + cardColumns + ` FROM cards` + whereClause(where) + ` ORDER BY created_at DESC, rowid DESC`

	rows, err := t.tx.QueryContext(ctx, q, args...)
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

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

const requestColumns = `id, user_id, kind, card_name, requested_limit, date_of_birth, age_verified, phone_number, emergency_contact, profession, monthly_income, reason, status, created_at, reviewed_at, reviewer_id, reviewer_comments, issued_card_id`

func scanRequest(row scanner) (*models.CardRequest, error) {
	var r models.CardRequest
	var dob string
	var created int64
	var reviewed sql.NullInt64
	err := row.Scan(&r.ID, &r.UserID, &r.Kind, &r.CardName, &r.RequestedLimit, &dob, &r.AgeVerified,
		&r.PhoneNumber, &r.EmergencyContact, &r.Profession, &r.MonthlyIncome, &r.Reason, &r.Status,
		&created, &reviewed, &r.ReviewerID, &r.ReviewerComments, &r.IssuedCardID)
	if err != nil {
		return nil, err
	}
	if r.DateOfBirth, err = fromDate(dob); err != nil {
		return nil, fmt.Errorf("parsing date of birth of request %s: %w", r.ID, err)
	}
	r.CreatedAt = fromMillis(created)
	r.ReviewedAt = fromNullMillis(reviewed)
	return &r, nil
}

func (t *tx) CreateRequest(ctx context.Context, r *models.CardRequest) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO card_requests (`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, string(r.Kind), r.CardName, r.RequestedLimit.String(), toDate(r.DateOfBirth), r.AgeVerified,
		r.PhoneNumber, r.EmergencyContact, r.Profession, r.MonthlyIncome.String(), r.Reason, string(r.Status),
		toMillis(r.CreatedAt), nullMillis(r.ReviewedAt), r.ReviewerID, r.ReviewerComments, r.IssuedCardID)
	if isConstraintError(err) {
		return fmt.Errorf("creating request: %w", storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return nil
}

func (t *tx) GetRequest(ctx context.Context, id string) (*models.CardRequest, error) {
	r, err := scanRequest(t.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM card_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding request %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding request %s: %w", id, err)
	}
	return r, nil
}

func (t *tx) GetRequestForUpdate(ctx context.Context, id string) (*models.CardRequest, error) {
	return t.GetRequest(ctx, id)
}

func (t *tx) UpdateRequest(ctx context.Context, r *models.CardRequest) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE card_requests
		SET status = ?, reviewed_at = ?, reviewer_id = ?, reviewer_comments = ?, issued_card_id = ?
		WHERE id = ?`,
		string(r.Status), nullMillis(r.ReviewedAt), r.ReviewerID, r.ReviewerComments, r.IssuedCardID, r.ID)
	if err != nil {
		return fmt.Errorf("updating request %s: %w", r.ID, err)
	}
	return expectRow(res, "request", r.ID)
}

func (t *tx) HasPendingRequest(ctx context.Context, userID string, kind models.CardKind) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM card_requests WHERE user_id = ? AND kind = ? AND status = ?`,
		userID, string(kind), string(models.RequestStatusPending)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking pending requests: %w", err)
	}
	return n > 0, nil
}

func (t *tx) ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*models.CardRequest, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	q := `SELECT ` + requestColumns + ` FROM card_requests` + whereClause(where) + ` ORDER BY created_at DESC, rowid DESC`

	rows, err := t.tx.QueryContext(ctx, q, args...)
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
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	}
}

func (t *tx) GetOrInitPreferences(ctx context.Context, userID string, now time.Time) (*models.NotificationPreference, error) {
	def := models.DefaultPreferences(userID, now)
	_, err := t.tx.ExecContext(ctx, `INSERT INTO notification_preferences (`+preferenceColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT (user_id) DO NOTHING`, preferenceArgs(&def)...)
	if err != nil {
		return nil, fmt.Errorf("initializing preferences: %w", err)
	}

	var p models.NotificationPreference
	var creation, approval, rejection, activation, deactivation, newRequest bool
	var created, updated int64
	err = t.tx.QueryRowContext(ctx, `SELECT `+preferenceColumns+` FROM notification_preferences WHERE user_id = ?`, userID).
		Scan(&p.UserID, &creation, &approval, &rejection, &activation, &deactivation, &newRequest,
			&p.Email, &p.InApp, &p.Sound, &created, &updated)
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
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (t *tx) SavePreferences(ctx context.Context, p *models.NotificationPreference) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO notification_preferences (`+preferenceColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (user_id) DO UPDATE SET
			card_creation_enabled = excluded.card_creation_enabled,
			card_approval_enabled = excluded.card_approval_enabled,
			card_rejection_enabled = excluded.card_rejection_enabled,
			card_activation_enabled = excluded.card_activation_enabled,
			card_deactivation_enabled = excluded.card_deactivation_enabled,
			new_request_enabled = excluded.new_request_enabled,
			email_enabled = excluded.email_enabled,
			in_app_enabled = excluded.in_app_enabled,
			sound_enabled = excluded.sound_enabled,
			updated_at = excluded.updated_at`, preferenceArgs(p)...)
	if err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}

const notificationColumns = `id, user_id, title, body, severity, category, related_card_id, related_request_id, action_url, important, is_read, read_at, created_at`

func scanNotification(row scanner) (*models.NotificationEvent, error) {
	var e models.NotificationEvent
	var readAt sql.NullInt64
	var created int64
	err := row.Scan(&e.ID, &e.UserID, &e.Title, &e.Body, &e.Severity, &e.Category, &e.RelatedCardID,
		&e.RelatedRequestID, &e.ActionURL, &e.Important, &e.Read, &readAt, &created)
	if err != nil {
		return nil, err
	}
	e.ReadAt = fromNullMillis(readAt)
	e.CreatedAt = fromMillis(created)
	return &e, nil
}

func (t *tx) CreateNotification(ctx context.Context, e *models.NotificationEvent) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO notifications (`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.Title, e.Body, string(e.Severity), string(e.Category), e.RelatedCardID,
		e.RelatedRequestID, e.ActionURL, e.Important, e.Read, nullMillis(e.ReadAt), toMillis(e.CreatedAt))
	if isConstraintError(err) {
		return fmt.Errorf("creating notification: %w", storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}
	return nil
}

func (t *tx) ListNotifications(ctx context.Context, filter storage.NotificationFilter) ([]*models.NotificationEvent, error) {
	where := []string{"user_id = ?"}
	args := []any{filter.UserID}
	if filter.Read != nil {
		where = append(where, "is_read = ?")
		args = append(args, *filter.Read)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.ImportantOnly {
		where = append(where, "important = 1")
	}
	q := `SELECT ` + notificationColumns + ` FROM notifications` + whereClause(where) + ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, q, args...)
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

func idsClause(ids []string, args []any) (string, []any) {
	if len(ids) == 0 {
		return "", args
	}
	for _, id := range ids {
		args = append(args, id)
	}
	return " AND id IN (" + placeholders(len(ids)) + ")", args
}

func (t *tx) MarkNotificationsRead(ctx context.Context, userID string, ids []string, at time.Time) (int, error) {
	clause, args := idsClause(ids, []any{toMillis(at), userID})
	res, err := t.tx.ExecContext(ctx, `UPDATE notifications SET is_read = 1, read_at = ? WHERE user_id = ? AND is_read = 0`+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *tx) DeleteNotifications(ctx context.Context, userID string, ids []string) (int, error) {
	clause, args := idsClause(ids, []any{userID})
	res, err := t.tx.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ?`+clause, args...)
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

	rows, err := t.tx.QueryContext(ctx, `SELECT severity, is_read, important, COUNT(1)
		FROM notifications WHERE user_id = ? GROUP BY severity, is_read, important`, userID)
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
