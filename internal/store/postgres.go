package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type postgresStore struct {
	db      *sql.DB
	timeout time.Duration
	logger  *slog.Logger
}

func openPostgres(cfg PostgresConfig, logger *slog.Logger) (*postgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = postgresOperationTimeout
	}

	s := &postgresStore{db: db, timeout: timeout, logger: logger.With("component", "store", "driver", "postgres")}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, pgError("connect", err)
	}
	ddl, err := migration("postgres.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	s.logger.Info("store opened")
	return s, nil
}

// pgError wraps err, marking connection, contention and resource failures
// as transient.
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transient(op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *postgresStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *postgresStore) Driver() string { return "postgres" }

func (s *postgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return pgError("ping", s.db.PingContext(ctx))
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) SelectEligible(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, email_address, content, token_count, sent_time, finalized
		 FROM newsletters WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, pgError("select eligible", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.EmailAddress, &r.Content, &r.TokenCount, &r.SentTime, &r.Finalized); err != nil {
			return nil, fmt.Errorf("scan newsletter: %w", err)
		}
		out = append(out, r)
	}
	return out, pgError("select eligible", rows.Err())
}

func (s *postgresStore) MarkFinalized(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE newsletters SET finalized = TRUE WHERE id = ANY($1)`, pq.Array(ids))
	return pgError("mark finalized", err)
}

func (s *postgresStore) UpdateRefined(ctx context.Context, id, content string, tokenCount int) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE newsletters SET content = $1, token_count = $2 WHERE id = $3`, content, tokenCount, id)
	if err != nil {
		return pgError("update refined", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pgError("update refined", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresStore) UpsertRecords(ctx context.Context, records []Record) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pgError("upsert records", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("%w: record id is required", ErrInvalidInput)
		}
		sent := r.SentTime
		if sent.IsZero() {
			sent = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO newsletters(id, user_id, email_address, content, token_count, sent_time, finalized)
			 VALUES($1,$2,$3,$4,$5,$6,$7)
			 ON CONFLICT (id) DO UPDATE SET
			   user_id = EXCLUDED.user_id,
			   email_address = EXCLUDED.email_address,
			   content = EXCLUDED.content,
			   token_count = EXCLUDED.token_count,
			   sent_time = EXCLUDED.sent_time,
			   finalized = EXCLUDED.finalized`,
			r.ID, r.UserID, r.EmailAddress, r.Content, r.TokenCount, sent, r.Finalized,
		)
		if err != nil {
			return pgError("upsert records", err)
		}
	}
	return pgError("upsert records", tx.Commit())
}

func (s *postgresStore) InsertEpisode(ctx context.Context, ep *Episode) (string, error) {
	if err := validateEpisode(ep); err != nil {
		return "", err
	}
	prepareEpisode(ep)

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes(id, user_id, title, content, source_emails, record_ids, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		ep.ID, ep.UserID, ep.Title, string(ep.Content), pq.Array(ep.SourceEmails), pq.Array(ep.RecordIDs), ep.CreatedAt,
	)
	if err != nil {
		return "", pgError("insert episode", err)
	}
	return ep.ID, nil
}

func (s *postgresStore) ListEpisodes(ctx context.Context, userID string) ([]Episode, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, content, source_emails, record_ids, created_at
		 FROM episodes WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, pgError("list episodes", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var ep Episode
		var content []byte
		if err := rows.Scan(&ep.ID, &ep.UserID, &ep.Title, &content,
			pq.Array(&ep.SourceEmails), pq.Array(&ep.RecordIDs), &ep.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		ep.Content = content
		out = append(out, ep)
	}
	return out, pgError("list episodes", rows.Err())
}

func (s *postgresStore) SetCompletionFlag(ctx context.Context, userID string) error {
	return s.setFlag(ctx, userID, true)
}

func (s *postgresStore) ClearCompletionFlag(ctx context.Context, userID string) error {
	return s.setFlag(ctx, userID, false)
}

func (s *postgresStore) setFlag(ctx context.Context, userID string, v bool) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(user_id, episode_processing, updated_at) VALUES($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET episode_processing = EXCLUDED.episode_processing, updated_at = NOW()`,
		userID, v)
	return pgError("set completion flag", err)
}

func (s *postgresStore) CompletionFlag(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var v bool
	err := s.db.QueryRowContext(ctx,
		`SELECT episode_processing FROM profiles WHERE user_id = $1`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgError("completion flag", err)
	}
	return v, nil
}

var _ Store = (*postgresStore)(nil)
