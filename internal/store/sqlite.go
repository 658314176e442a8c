package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hitushen/postureguard/internal/models"
)

// SQLite 封装了对 SQLite 数据库的持久化访问。
type SQLite struct {
	DB  *sql.DB
	now func() time.Time
}

// NewSQLite 根据给定的 SQLite 文件路径初始化存储。
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite 单写入。

	s := &SQLite{DB: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 释放数据库资源。
func (s *SQLite) Close() error {
	return s.DB.Close()
}

func (s *SQLite) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			scan_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			progress INTEGER NOT NULL DEFAULT 0,
			current_step TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			ports TEXT,
			vulnerabilities TEXT,
			risk TEXT,
			remediation TEXT,
			report TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);`,
	}
	for _, stmt := range schema {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Create 插入一个 pending 会话，ID 为空时自动生成。
func (s *SQLite) Create(ctx context.Context, sess *models.Session) error {
	if err := normalizeNew(sess); err != nil {
		return err
	}
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, target, scan_type, status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.Target, string(sess.Profile), string(sess.Status), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// BeginRun 仅当会话处于 pending 时切换为 running。
func (s *SQLite) BeginRun(ctx context.Context, id string) (bool, error) {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, now, now, id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Update 应用部分更新；会话已终结时返回 ErrFinalized。
func (s *SQLite) Update(ctx context.Context, id string, p Patch) error {
	cols, err := p.columns()
	if err != nil {
		return err
	}
	now := s.now()
	sets := make([]string, 0, len(cols)+2)
	args := make([]any, 0, len(cols)+3)
	for _, c := range cols {
		if c.monotonic {
			sets = append(sets, c.name+" = MAX("+c.name+", ?)")
		} else {
			sets = append(sets, c.name+" = ?")
		}
		args = append(args, c.value)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now)
	if p.terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	args = append(args, id)

	res, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN ('pending', 'running')`,
		args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var status string
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrFinalized
}

const sqliteColumns = `id, target, scan_type, status, progress, current_step, error,
	ports, vulnerabilities, risk, remediation, report,
	created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*models.Session, error) {
	var (
		sess                            models.Session
		profile, status                 string
		ports, vulns, risk, remediation sql.NullString
		started, completed              sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.Target, &profile, &status, &sess.Progress, &sess.CurrentStep, &sess.Error,
		&ports, &vulns, &risk, &remediation, &sess.Report,
		&sess.CreatedAt, &started, &completed, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Profile = models.Profile(profile)
	sess.Status = models.Status(status)
	if started.Valid {
		t := started.Time
		sess.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		sess.CompletedAt = &t
	}
	raw := sessionRow{
		ports:           []byte(ports.String),
		vulnerabilities: []byte(vulns.String),
		risk:            []byte(risk.String),
		remediation:     []byte(remediation.String),
	}
	if err := raw.decodeInto(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Get 读取单个会话。
func (s *SQLite) Get(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSQLiteSession(s.DB.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// List 按创建时间倒序列出全部会话。
func (s *SQLite) List(ctx context.Context) ([]models.Session, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// Delete 删除会话，不存在时返回 ErrNotFound。
func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) FailStale(ctx context.Context, reason string) (int64, error) {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE status = 'running'`, reason, now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) ListPending(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM sessions WHERE status = 'pending' ORDER BY created_at, id`)
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
