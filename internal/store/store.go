// Package store persists account status snapshots and the callback
// de-duplication window in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wecombot/internal/domain"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// SaveStatus upserts the latest snapshot for st.AccountID.
func (s *SQLiteStore) SaveStatus(ctx context.Context, st domain.AccountStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_status (account_id, running, configured, webhook_path,
			last_start_at, last_stop_at, last_inbound_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			running = excluded.running,
			configured = excluded.configured,
			webhook_path = excluded.webhook_path,
			last_start_at = excluded.last_start_at,
			last_stop_at = excluded.last_stop_at,
			last_inbound_at = excluded.last_inbound_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		st.AccountID, st.Running, st.Configured, st.WebhookPath,
		toMillis(st.LastStartAt), toMillis(st.LastStopAt), toMillis(st.LastInboundAt),
		st.LastError, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save status %s: %w", st.AccountID, err)
	}
	return nil
}

// ListStatuses returns every persisted snapshot ordered by account id.
func (s *SQLiteStore) ListStatuses(ctx context.Context) ([]domain.AccountStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, running, configured, webhook_path,
			last_start_at, last_stop_at, last_inbound_at, last_error
		FROM account_status ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountStatus
	for rows.Next() {
		var st domain.AccountStatus
		var started, stopped, inbound int64
		if err := rows.Scan(&st.AccountID, &st.Running, &st.Configured, &st.WebhookPath,
			&started, &stopped, &inbound, &st.LastError); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		st.LastStartAt = fromMillis(started)
		st.LastStopAt = fromMillis(stopped)
		st.LastInboundAt = fromMillis(inbound)
		out = append(out, st)
	}
	return out, rows.Err()
}

// MarkSeen records a callback message id. first is false when the id was
// already recorded for the account.
func (s *SQLiteStore) MarkSeen(ctx context.Context, accountID, msgID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_messages (account_id, msg_id, seen_at) VALUES (?, ?, ?)`,
		accountID, msgID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return n == 1, nil
}

// PruneSeen forgets message ids recorded before cutoff.
func (s *SQLiteStore) PruneSeen(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbound_messages WHERE seen_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune seen: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("pruned inbound message ids", "count", n)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
