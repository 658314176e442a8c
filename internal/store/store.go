// Package store 持久化扫描会话，提供 SQLite 与 PostgreSQL 两种实现。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hitushen/postureguard/internal/models"
)

var (
	// ErrNotFound 表示会话不存在（可能已被删除）。
	ErrNotFound = errors.New("session not found")
	// ErrFinalized 表示会话已处于终态，结果字段不可再修改。
	ErrFinalized = errors.New("session already finalized")
	// ErrInvalidTransition 表示状态只能向前推进。
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SessionStore 是流水线依赖的会话存储。
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	// BeginRun 将 pending 会话原子地切换为 running，返回是否成功获得执行权。
	BeginRun(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, id string, p Patch) error
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context) ([]models.Session, error)
	Delete(ctx context.Context, id string) error
	// FailStale 把遗留的 running 会话标记为失败，用于进程重启后的恢复。
	FailStale(ctx context.Context, reason string) (int64, error)
	// ListPending 按创建时间返回仍在等待执行的会话 ID。
	ListPending(ctx context.Context) ([]string, error)
	Close() error
}

// Patch 描述一次部分更新；nil 字段保持不变。
// Progress 只会增大，写入终态后会话不可再修改。
type Patch struct {
	Status          *models.Status
	Progress        *int
	CurrentStep     *string
	Error           *string
	Ports           []models.PortRecord
	Vulnerabilities []models.VulnerabilityRecord
	Risk            *models.RiskAssessment
	Remediation     *models.Remediation
	Report          *string
}

// Open 根据 DSN 选择实现：postgres:// 或 postgresql:// 使用 PostgreSQL，其余视为 SQLite 文件路径。
func Open(ctx context.Context, dsn string) (SessionStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(dsn)
}

// column 是 Patch 展开后的单个赋值。
type column struct {
	name  string
	value any
	// monotonic 表示取新旧值中的较大者。
	monotonic bool
}

func (p Patch) columns() ([]column, error) {
	var cols []column
	if p.Status != nil {
		switch *p.Status {
		case models.StatusCompleted, models.StatusFailed:
		default:
			return nil, fmt.Errorf("%w: to %q", ErrInvalidTransition, *p.Status)
		}
		cols = append(cols, column{name: "status", value: string(*p.Status)})
	}
	if p.Progress != nil {
		if *p.Progress < 0 || *p.Progress > 100 {
			return nil, fmt.Errorf("progress %d out of range", *p.Progress)
		}
		if *p.Progress == 100 && (p.Status == nil || *p.Status != models.StatusCompleted) {
			return nil, errors.New("progress 100 is only written together with completed status")
		}
		cols = append(cols, column{name: "progress", value: *p.Progress, monotonic: true})
	}
	if p.CurrentStep != nil {
		cols = append(cols, column{name: "current_step", value: *p.CurrentStep})
	}
	if p.Error != nil {
		cols = append(cols, column{name: "error", value: *p.Error})
	}
	if p.Ports != nil {
		raw, err := encodeJSON(p.Ports)
		if err != nil {
			return nil, err
		}
		cols = append(cols, column{name: "ports", value: raw})
	}
	if p.Vulnerabilities != nil {
		raw, err := encodeJSON(p.Vulnerabilities)
		if err != nil {
			return nil, err
		}
		cols = append(cols, column{name: "vulnerabilities", value: raw})
	}
	if p.Risk != nil {
		raw, err := encodeJSON(p.Risk)
		if err != nil {
			return nil, err
		}
		cols = append(cols, column{name: "risk", value: raw})
	}
	if p.Remediation != nil {
		raw, err := encodeJSON(p.Remediation)
		if err != nil {
			return nil, err
		}
		cols = append(cols, column{name: "remediation", value: raw})
	}
	if p.Report != nil {
		cols = append(cols, column{name: "report", value: *p.Report})
	}
	return cols, nil
}

func (p Patch) terminal() bool {
	return p.Status != nil && p.Status.IsTerminal()
}

func normalizeNew(s *models.Session) error {
	if s == nil {
		return errors.New("nil session")
	}
	if strings.TrimSpace(s.Target) == "" {
		return errors.New("session target is empty")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = models.StatusPending
	}
	if s.Status != models.StatusPending {
		return fmt.Errorf("%w: new session must be pending, got %q", ErrInvalidTransition, s.Status)
	}
	if s.Profile == "" {
		s.Profile = models.ProfileStandard
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	return string(raw), nil
}

// sessionRow 保存 JSON 列的原始内容。
type sessionRow struct {
	ports           []byte
	vulnerabilities []byte
	risk            []byte
	remediation     []byte
}

func (r sessionRow) decodeInto(s *models.Session) error {
	if err := decodeJSON(r.ports, &s.Ports); err != nil {
		return fmt.Errorf("decode ports: %w", err)
	}
	if err := decodeJSON(r.vulnerabilities, &s.Vulnerabilities); err != nil {
		return fmt.Errorf("decode vulnerabilities: %w", err)
	}
	if len(r.risk) > 0 && string(r.risk) != "null" {
		s.Risk = &models.RiskAssessment{}
		if err := json.Unmarshal(r.risk, s.Risk); err != nil {
			return fmt.Errorf("decode risk: %w", err)
		}
	}
	if len(r.remediation) > 0 && string(r.remediation) != "null" {
		s.Remediation = &models.Remediation{}
		if err := json.Unmarshal(r.remediation, s.Remediation); err != nil {
			return fmt.Errorf("decode remediation: %w", err)
		}
	}
	return nil
}

func decodeJSON(raw []byte, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}
