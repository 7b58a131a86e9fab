package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func openSQLite(cfg SQLiteConfig, logger *slog.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, logger: logger.With("component", "store", "driver", "sqlite")}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	s.logger.Info("store opened", "path", path)
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	ddl, err := migration("sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, ddl)
	return err
}

func (s *sqliteStore) Driver() string { return "sqlite" }

func (s *sqliteStore) Ping(ctx context.Context) error {
	return transient("ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SelectEligible(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, email_address, content, token_count, sent_time, finalized
		 FROM newsletters WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, transient("select eligible", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var sentMS int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.EmailAddress, &r.Content, &r.TokenCount, &sentMS, &r.Finalized); err != nil {
			return nil, fmt.Errorf("scan newsletter: %w", err)
		}
		r.SentTime = time.UnixMilli(sentMS).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("select eligible", err)
	}
	return out, nil
}

func (s *sqliteStore) MarkFinalized(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE newsletters SET finalized = 1 WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return transient("mark finalized", err)
}

func (s *sqliteStore) UpdateRefined(ctx context.Context, id, content string, tokenCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE newsletters SET content = ?, token_count = ? WHERE id = ?`, content, tokenCount, id)
	if err != nil {
		return transient("update refined", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return transient("update refined", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) UpsertRecords(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("upsert records", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("%w: record id is required", ErrInvalidInput)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO newsletters(id, user_id, email_address, content, token_count, sent_time, finalized)
			 VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET
			   user_id=excluded.user_id,
			   email_address=excluded.email_address,
			   content=excluded.content,
			   token_count=excluded.token_count,
			   sent_time=excluded.sent_time,
			   finalized=excluded.finalized`,
			r.ID, r.UserID, r.EmailAddress, r.Content, r.TokenCount, r.SentTime.UnixMilli(), r.Finalized,
		)
		if err != nil {
			return transient("upsert records", err)
		}
	}
	return transient("upsert records", tx.Commit())
}

func (s *sqliteStore) InsertEpisode(ctx context.Context, ep *Episode) (string, error) {
	if err := validateEpisode(ep); err != nil {
		return "", err
	}
	prepareEpisode(ep)

	emails, err := json.Marshal(ep.SourceEmails)
	if err != nil {
		return "", err
	}
	recordIDs, err := json.Marshal(ep.RecordIDs)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO episodes(id, user_id, title, content, source_emails, record_ids, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		ep.ID, ep.UserID, ep.Title, string(ep.Content), string(emails), string(recordIDs), ep.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", transient("insert episode", err)
	}
	return ep.ID, nil
}

func (s *sqliteStore) ListEpisodes(ctx context.Context, userID string) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, content, source_emails, record_ids, created_at
		 FROM episodes WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, transient("list episodes", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var ep Episode
		var content, emails, recordIDs string
		var createdMS int64
		if err := rows.Scan(&ep.ID, &ep.UserID, &ep.Title, &content, &emails, &recordIDs, &createdMS); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		ep.Content = json.RawMessage(content)
		if err := json.Unmarshal([]byte(emails), &ep.SourceEmails); err != nil {
			return nil, fmt.Errorf("decode source_emails: %w", err)
		}
		if err := json.Unmarshal([]byte(recordIDs), &ep.RecordIDs); err != nil {
			return nil, fmt.Errorf("decode record_ids: %w", err)
		}
		ep.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, ep)
	}
	return out, transient("list episodes", rows.Err())
}

func (s *sqliteStore) SetCompletionFlag(ctx context.Context, userID string) error {
	return s.setFlag(ctx, userID, true)
}

func (s *sqliteStore) ClearCompletionFlag(ctx context.Context, userID string) error {
	return s.setFlag(ctx, userID, false)
}

func (s *sqliteStore) setFlag(ctx context.Context, userID string, v bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(user_id, episode_processing, updated_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET episode_processing=excluded.episode_processing, updated_at=excluded.updated_at`,
		userID, v, time.Now().UnixMilli(),
	)
	return transient("set completion flag", err)
}

func (s *sqliteStore) CompletionFlag(ctx context.Context, userID string) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx,
		`SELECT episode_processing FROM profiles WHERE user_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, transient("completion flag", err)
	}
	return v, nil
}

var _ Store = (*sqliteStore)(nil)
