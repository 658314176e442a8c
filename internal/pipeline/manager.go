package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/store"
)

// Manager 负责准入控制：固定数量的工作协程执行运行，超出部分进入有界队列，
// 队列满时直接拒绝。
type Manager struct {
	engine   *Engine
	store    store.SessionStore
	logger   *slog.Logger
	observer Observer

	jobs       chan scanJob
	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
	runs   map[string]context.CancelCauseFunc
	active int
}

type scanJob struct {
	ID  string
	ctx context.Context
}

// ManagerOption 配置 Manager。
type ManagerOption func(*Manager)

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithManagerObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewManager 按照指定并发数启动工作协程，queueSize 为等待中的会话上限。
func NewManager(engine *Engine, st store.SessionStore, concurrency, queueSize int, opts ...ManagerOption) *Manager {
	if concurrency <= 0 {
		concurrency = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	m := &Manager{
		engine:     engine,
		store:      st,
		logger:     slog.Default(),
		observer:   nopObserver{},
		jobs:       make(chan scanJob, queueSize),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		runs:       make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := 0; i < concurrency; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Submit 创建 pending 会话并排队。被拒绝的提交不会留下会话记录。
func (m *Manager) Submit(ctx context.Context, target string, profile models.Profile) (*models.Session, error) {
	sess := &models.Session{
		Target:  strings.TrimSpace(target),
		Profile: profile,
		Status:  models.StatusPending,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := m.Enqueue(sess.ID); err != nil {
		if delErr := m.store.Delete(context.WithoutCancel(ctx), sess.ID); delErr != nil {
			m.logger.Error("discard rejected session failed", "session", sess.ID, "error", delErr)
		}
		return nil, err
	}
	m.logger.Info("scan submitted", "session", sess.ID, "target", sess.Target, "scan_type", string(profile))
	return sess, nil
}

// Enqueue 将已有的 pending 会话放入队列。
func (m *Manager) Enqueue(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.observer.Rejected("closed")
		return ErrClosed
	}
	if _, ok := m.runs[id]; ok {
		m.observer.Rejected("duplicate")
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	runCtx, cancel := context.WithCancelCause(m.baseCtx)
	select {
	case m.jobs <- scanJob{ID: id, ctx: runCtx}:
		m.runs[id] = cancel
		m.observer.SetQueueDepth(len(m.jobs))
		return nil
	default:
		cancel(ErrQueueFull)
		m.observer.Rejected("queue_full")
		return ErrQueueFull
	}
}

// Cancel 取消排队中或运行中的会话；会话最终落为 failed。
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	cancel, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	cancel(ErrCancelled)
	m.logger.Info("scan cancel requested", "session", id)
	return nil
}

// IsActive 判断会话是否在队列中或正在运行。
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[id]
	return ok
}

// Stats 返回运行中与排队中的会话数量。
func (m *Manager) Stats() (active, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, len(m.jobs)
}

// Recover 在启动时处理上次进程遗留的会话：running 标记为失败，pending 重新排队。
func (m *Manager) Recover(ctx context.Context) (failed int64, requeued int, err error) {
	failed, err = m.store.FailStale(ctx, "interrupted: server restarted before the run finished")
	if err != nil {
		return 0, 0, fmt.Errorf("fail stale sessions: %w", err)
	}
	ids, err := m.store.ListPending(ctx)
	if err != nil {
		return failed, 0, fmt.Errorf("list pending sessions: %w", err)
	}
	for _, id := range ids {
		if err := m.Enqueue(id); err != nil {
			if errors.Is(err, ErrQueueFull) {
				m.logger.Warn("queue full during recovery, leaving sessions pending", "remaining", len(ids)-requeued)
				break
			}
			return failed, requeued, err
		}
		requeued++
	}
	return failed, requeued, nil
}

// Close 停止接收新任务，取消所有运行并等待工作协程退出。
// 队列中尚未开始的会话会以 cancelled 失败落盘。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	m.baseCancel(ErrShutdown)
	close(m.jobs)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for job := range m.jobs {
		m.handleJob(job)
	}
}

func (m *Manager) handleJob(job scanJob) {
	m.mu.Lock()
	m.active++
	m.observer.SetActive(m.active)
	m.observer.SetQueueDepth(len(m.jobs))
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if cancel, ok := m.runs[job.ID]; ok {
			cancel(nil)
			delete(m.runs, job.ID)
		}
		m.active--
		m.observer.SetActive(m.active)
		m.mu.Unlock()
	}()

	sess, err := m.engine.Run(job.ctx, job.ID)
	if err != nil {
		m.logger.Warn("scan run did not finish", "session", job.ID, "error", err)
		return
	}
	m.logger.Debug("scan run finished", "session", sess.ID, "status", string(sess.Status))
}
