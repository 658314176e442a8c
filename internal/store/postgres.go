package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hitushen/postureguard/internal/models"
)

// Postgres 使用 pgx 连接池实现 SessionStore。
type Postgres struct {
	Pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres 连接数据库并确保表结构存在。
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Postgres{Pool: pool, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			scan_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			progress INTEGER NOT NULL DEFAULT 0,
			current_step TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			ports JSONB,
			vulnerabilities JSONB,
			risk JSONB,
			remediation JSONB,
			report TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, sess *models.Session) error {
	if err := normalizeNew(sess); err != nil {
		return err
	}
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sessions (id, target, scan_type, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		sess.ID, sess.Target, string(sess.Profile), string(sess.Status), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Postgres) BeginRun(ctx context.Context, id string) (bool, error) {
	now := s.now()
	tag, err := s.Pool.Exec(ctx, `
		UPDATE sessions SET status = 'running', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

var jsonbColumns = map[string]bool{"ports": true, "vulnerabilities": true, "risk": true, "remediation": true}

func (s *Postgres) Update(ctx context.Context, id string, p Patch) error {
	cols, err := p.columns()
	if err != nil {
		return err
	}
	now := s.now()
	args := []any{id}
	sets := make([]string, 0, len(cols)+2)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	for _, c := range cols {
		ph := next(c.value)
		switch {
		case c.monotonic:
			sets = append(sets, fmt.Sprintf("%s = GREATEST(%s, %s)", c.name, c.name, ph))
		case jsonbColumns[c.name]:
			sets = append(sets, fmt.Sprintf("%s = %s::jsonb", c.name, ph))
		default:
			sets = append(sets, fmt.Sprintf("%s = %s", c.name, ph))
		}
	}
	ts := next(now)
	sets = append(sets, "updated_at = "+ts)
	if p.terminal() {
		sets = append(sets, "completed_at = "+ts)
	}

	tag, err := s.Pool.Exec(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = $1 AND status IN ('pending', 'running')`,
		args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.Pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrFinalized
}

const postgresColumns = `id, target, scan_type, status, progress, current_step, error,
	ports, vulnerabilities, risk, remediation, report,
	created_at, started_at, completed_at, updated_at`

func scanPostgresSession(row pgx.Row) (*models.Session, error) {
	var (
		sess            models.Session
		profile, status string
		raw             sessionRow
	)
	if err := row.Scan(&sess.ID, &sess.Target, &profile, &status, &sess.Progress, &sess.CurrentStep, &sess.Error,
		&raw.ports, &raw.vulnerabilities, &raw.risk, &raw.remediation, &sess.Report,
		&sess.CreatedAt, &sess.StartedAt, &sess.CompletedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Profile = models.Profile(profile)
	sess.Status = models.Status(status)
	if err := raw.decodeInto(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanPostgresSession(s.Pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Postgres) List(ctx context.Context) ([]models.Session, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+postgresColumns+` FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanPostgresSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) FailStale(ctx context.Context, reason string) (int64, error) {
	now := s.now()
	tag, err := s.Pool.Exec(ctx, `
		UPDATE sessions SET status = 'failed', error = $1, completed_at = $2, updated_at = $2
		WHERE status = 'running'`, reason, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ListPending(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id FROM sessions WHERE status = 'pending' ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
