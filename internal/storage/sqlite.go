package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "campaignbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed persistence layer: broadlog, tracked URLs and
// the campaign target tables the bundled workflows read.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &Store{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- broadlog ----

func (s *Store) AppendBroadlog(ctx context.Context, e BroadlogEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Channel == "" {
		e.Channel = "chat"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO broadlog(delivery_id, text, "to", last_event, channel, communication_code, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		e.DeliveryID, e.Text, e.To, e.LastEvent, e.Channel, nullStr(e.CommunicationCode),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// BroadlogByDelivery returns all rows for one delivery, oldest first.
func (s *Store) BroadlogByDelivery(ctx context.Context, deliveryID string) ([]BroadlogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, delivery_id, text, "to", last_event, channel, COALESCE(communication_code, ''), created_at
		 FROM broadlog WHERE delivery_id = ? ORDER BY id`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BroadlogEntry
	for rows.Next() {
		var e BroadlogEntry
		var created string
		if err := rows.Scan(&e.ID, &e.DeliveryID, &e.Text, &e.To, &e.LastEvent, &e.Channel, &e.CommunicationCode, &created); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- tracked urls ----

func (s *Store) InsertURLs(ctx context.Context, urls []TrackedURL) error {
	if len(urls) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range urls {
		created := u.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO urls(id, url, delivery_id, broadlog_id, created_at) VALUES(?,?,?,NULL,?)`,
			u.ID, u.URL, u.DeliveryID, created.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) SetURLBroadlog(ctx context.Context, urlID string, broadlogID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE urls SET broadlog_id = ? WHERE id = ?`, broadlogID, urlID)
	return err
}

func (s *Store) DeleteURLsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM urls WHERE created_at <= ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetURL(ctx context.Context, id string) (TrackedURL, error) {
	var u TrackedURL
	var created string
	var blID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url, delivery_id, broadlog_id, created_at FROM urls WHERE id = ?`, id).
		Scan(&u.ID, &u.URL, &u.DeliveryID, &blID, &created)
	if err != nil {
		return TrackedURL{}, err
	}
	u.BroadlogID = blID.Int64
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return u, nil
}

// ---- campaign targets ----

func (s *Store) UpsertMember(ctx context.Context, m Member) error {
	if m.RecipientID == "" {
		return errors.New("member recipient_id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members(recipient_id, name, last_active_at) VALUES(?,?,?)
		 ON CONFLICT(recipient_id) DO UPDATE SET name=excluded.name, last_active_at=excluded.last_active_at`,
		m.RecipientID, m.Name, m.LastActiveAt.UTC().Format(time.RFC3339Nano))
	return err
}

// InactiveMembers returns members whose last activity is older than since
// and who have no broadlog row for the given communication code. The
// second condition is the workflow-level idempotency guard: a member is
// nudged at most once per code.
func (s *Store) InactiveMembers(ctx context.Context, since time.Time, code string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.recipient_id, m.name, m.last_active_at
		 FROM members m
		 WHERE m.last_active_at < ?
		   AND m.recipient_id NOT IN (
		       SELECT "to" FROM broadlog WHERE communication_code = ?
		   )
		 ORDER BY m.name`,
		since.UTC().Format(time.RFC3339Nano), code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMembers(rows)
}

func (s *Store) UpsertSignup(ctx context.Context, sg RaidSignup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO raid_signups(recipient_id, raid_name, starts_at) VALUES(?,?,?)`,
		sg.RecipientID, sg.RaidName, sg.StartsAt.UTC().Format(time.RFC3339Nano))
	return err
}

// UpcomingSignups returns signups starting in (now, until] whose member has
// not yet received a reminder under the given communication code.
func (s *Store) UpcomingSignups(ctx context.Context, now, until time.Time, code string) ([]RaidSignup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, raid_name, starts_at
		 FROM raid_signups
		 WHERE starts_at > ? AND starts_at <= ?
		   AND recipient_id NOT IN (
		       SELECT "to" FROM broadlog WHERE communication_code = ?
		   )
		 ORDER BY starts_at`,
		now.UTC().Format(time.RFC3339Nano), until.UTC().Format(time.RFC3339Nano), code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RaidSignup
	for rows.Next() {
		var sg RaidSignup
		var starts string
		if err := rows.Scan(&sg.RecipientID, &sg.RaidName, &starts); err != nil {
			return nil, err
		}
		sg.StartsAt, _ = time.Parse(time.RFC3339Nano, starts)
		out = append(out, sg)
	}
	return out, rows.Err()
}

func scanMembers(rows *sql.Rows) ([]Member, error) {
	var out []Member
	for rows.Next() {
		var m Member
		var last string
		if err := rows.Scan(&m.RecipientID, &m.Name, &last); err != nil {
			return nil, err
		}
		m.LastActiveAt, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
