// Package pipeline 按固定顺序执行扫描阶段，跟踪进度并应用降级/中止策略。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/realtime"
	"github.com/hitushen/postureguard/internal/report"
	"github.com/hitushen/postureguard/internal/scanner"
	"github.com/hitushen/postureguard/internal/store"
	"github.com/hitushen/postureguard/internal/vuln"
)

// settleTimeout 是终态写入使用的独立超时，调用方断开后仍能落盘。
const settleTimeout = 5 * time.Second

// TargetPolicy 判断目标是否允许扫描。
type TargetPolicy interface {
	Allowed(target string) bool
}

// PortScanner 执行端口发现，失败时自行降级。
type PortScanner interface {
	Scan(ctx context.Context, target string, rng models.PortRange) scanner.Result
}

// RiskAssessor 计算整体风险，返回值中的字符串为降级警告。
type RiskAssessor interface {
	Assess(ctx context.Context, ports []models.PortRecord, vulns []models.VulnerabilityRecord) (models.RiskAssessment, string)
}

// RemediationAdvisor 生成修复建议，返回值中的字符串为降级警告。
type RemediationAdvisor interface {
	Advise(ctx context.Context, vulns []models.VulnerabilityRecord) (models.Remediation, string)
}

// Publisher 接收进度事件，通常是 realtime.Broker。
type Publisher interface {
	Publish(evt realtime.Event)
}

// Archiver 在会话完成后保存报告副本。
type Archiver interface {
	Store(ctx context.Context, sessionID, report string) (string, error)
}

// Observer 接收运行指标，metrics.Recorder 实现了它。
type Observer interface {
	StageDone(stage, outcome string, d time.Duration)
	RunDone(status string, d time.Duration)
	SetActive(n int)
	SetQueueDepth(n int)
	Rejected(reason string)
}

type nopObserver struct{}

func (nopObserver) StageDone(string, string, time.Duration) {}
func (nopObserver) RunDone(string, time.Duration) {}
func (nopObserver) SetActive(int) {}
func (nopObserver) SetQueueDepth(int) {}
func (nopObserver) Rejected(string) {}

type nopPublisher struct{}

func (nopPublisher) Publish(realtime.Event) {}

// Dependencies 是各阶段使用的组件。
type Dependencies struct {
	Validator TargetPolicy
	Scanner   PortScanner
	Assessor  RiskAssessor
	Advisor   RemediationAdvisor
}

// Engine 是线性状态机：validate → port_scan → vulnerability_analysis →
// risk_assessment → remediation → report_generation → done。
type Engine struct {
	store     store.SessionStore
	deps      Dependencies
	logger    *slog.Logger
	clock     func() time.Time
	observer  Observer
	publisher Publisher
	archiver  Archiver
}

// Option 配置 Engine。
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock 替换报告时间戳使用的时钟。
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// NewEngine 创建流水线引擎。
func NewEngine(st store.SessionStore, deps Dependencies, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		deps:      deps,
		logger:    slog.Default(),
		clock:     func() time.Time { return time.Now().UTC() },
		observer:  nopObserver{},
		publisher: nopPublisher{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stages 返回有序阶段表及其进度检查点。
func (e *Engine) Stages() []Stage {
	return []Stage{
		{Name: StageValidate, Start: 10, End: 20, Run: e.validate},
		{Name: StagePortScan, Start: 30, End: 40, Run: e.scanPorts},
		{Name: StageVulnAnalysis, Start: 50, End: 60, Run: e.matchVulnerabilities},
		{Name: StageRiskAssess, Start: 70, End: 80, Run: e.assessRisk},
		{Name: StageRemediation, Start: 90, End: 95, Run: e.remediate},
		{Name: StageReport, Start: 98, End: 100, Run: e.composeReport},
	}
}

// Run 执行一次完整运行并返回终态会话。只有无法开始运行时才返回错误：
// 会话不是 pending、已被删除，或运行中途被删除。
func (e *Engine) Run(ctx context.Context, sessionID string) (*models.Session, error) {
	// 即使 ctx 已取消也要获得执行权，以便把会话落到 failed 而不是留在 pending。
	startCtx, cancelStart := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelStart()
	ok, err := e.store.BeginRun(startCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("begin run %s: %w", sessionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunnable, sessionID)
	}
	sess, err := e.store.Get(startCtx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotRunnable, sessionID)
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	sc := &ScanContext{
		SessionID: sess.ID,
		Target:    sess.Target,
		Profile:   sess.Profile,
		StartedAt: time.Now(),
	}
	log := e.logger.With("session", sess.ID, "target", sess.Target)
	log.Info("pipeline run started", "scan_type", string(sess.Profile))

	fatal := e.execute(ctx, sc, log)

	settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := e.settle(settleCtx, sc, fatal); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("session deleted during run")
		} else {
			log.Error("persist terminal state failed", "error", err)
		}
		return nil, fmt.Errorf("settle session %s: %w", sessionID, err)
	}

	final, err := e.store.Get(settleCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reload session %s: %w", sessionID, err)
	}
	if fatal == nil && e.archiver != nil {
		if key, err := e.archiver.Store(settleCtx, sessionID, sc.Report); err != nil {
			log.Warn("report archive failed", "error", err)
		} else {
			log.Debug("report archived", "object", key)
		}
	}
	return final, nil
}

// execute 依次执行阶段，返回致命错误；nil 表示全部完成。
func (e *Engine) execute(ctx context.Context, sc *ScanContext, log *slog.Logger) error {
	stages := e.Stages()
	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return cancelledError(ctx)
		}
		if err := e.checkpoint(ctx, sc, st.Name, st.Start, nil); err != nil {
			if ctx.Err() != nil {
				return cancelledError(ctx)
			}
			return err
		}

		res := e.runStage(ctx, st, sc)
		switch res.Outcome {
		case OutcomeFatal:
			log.Warn("stage failed", "stage", st.Name, "error", res.Err)
			return res.Err
		case OutcomeDegraded:
			log.Warn("stage degraded", "stage", st.Name, "warning", res.Warning)
			sc.Warnings = append(sc.Warnings, res.Warning)
		default:
			log.Debug("stage finished", "stage", st.Name)
		}

		if ctx.Err() != nil {
			return cancelledError(ctx)
		}
		if i == len(stages)-1 {
			break
		}
		if err := e.checkpoint(ctx, sc, st.Name, st.End, artifactsFor(st.Name, sc)); err != nil {
			if ctx.Err() != nil {
				return cancelledError(ctx)
			}
			return err
		}
	}
	return nil
}

func (e *Engine) runStage(ctx context.Context, st Stage, sc *ScanContext) (res StageResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Fatal(&ContractError{Stage: st.Name, Err: fmt.Errorf("panic: %v", r)})
		}
		e.observer.StageDone(st.Name, res.Outcome.String(), time.Since(start))
	}()
	return st.Run(ctx, sc)
}

// checkpoint 写入进度与当前阶段，并附带阶段产出。
func (e *Engine) checkpoint(ctx context.Context, sc *ScanContext, step string, progress int, p *store.Patch) error {
	patch := store.Patch{}
	if p != nil {
		patch = *p
	}
	patch.Progress = &progress
	patch.CurrentStep = &step
	if len(sc.Warnings) > 0 {
		msg := strings.Join(sc.Warnings, "; ")
		patch.Error = &msg
	}
	if err := e.store.Update(ctx, sc.SessionID, patch); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	e.publisher.Publish(realtime.Event{
		Type:      realtime.EventProgress,
		SessionID: sc.SessionID,
		Payload: map[string]interface{}{
			"progress":     progress,
			"current_step": step,
		},
	})
	return nil
}

func artifactsFor(stage string, sc *ScanContext) *store.Patch {
	switch stage {
	case StagePortScan:
		return &store.Patch{Ports: nonNilPorts(sc.Ports)}
	case StageVulnAnalysis:
		return &store.Patch{Vulnerabilities: nonNilVulns(sc.Vulns)}
	case StageRiskAssess:
		return &store.Patch{Risk: sc.Risk}
	case StageRemediation:
		return &store.Patch{Remediation: sc.Remediation}
	}
	return nil
}

// settle 写入终态。成功时进度 100 与 completed 在同一次更新中写入。
func (e *Engine) settle(ctx context.Context, sc *ScanContext, fatal error) error {
	elapsed := time.Since(sc.StartedAt)
	if fatal != nil {
		status := models.StatusFailed
		msg := fatal.Error()
		if err := e.store.Update(ctx, sc.SessionID, store.Patch{Status: &status, Error: &msg}); err != nil {
			return err
		}
		e.observer.RunDone(string(status), elapsed)
		e.publisher.Publish(realtime.Event{
			Type:      realtime.EventFailed,
			SessionID: sc.SessionID,
			Payload:   map[string]interface{}{"status": status, "error": msg},
		})
		e.logger.Warn("pipeline run failed", "session", sc.SessionID, "error", msg, "duration", elapsed.Truncate(time.Millisecond))
		return nil
	}

	status := models.StatusCompleted
	progress := 100
	step := StepDone
	warnings := strings.Join(sc.Warnings, "; ")
	patch := store.Patch{
		Status:          &status,
		Progress:        &progress,
		CurrentStep:     &step,
		Error:           &warnings,
		Ports:           nonNilPorts(sc.Ports),
		Vulnerabilities: nonNilVulns(sc.Vulns),
		Risk:            sc.Risk,
		Remediation:     sc.Remediation,
		Report:          &sc.Report,
	}
	if err := e.store.Update(ctx, sc.SessionID, patch); err != nil {
		return err
	}
	e.observer.RunDone(string(status), elapsed)
	e.publisher.Publish(realtime.Event{
		Type:      realtime.EventCompleted,
		SessionID: sc.SessionID,
		Payload: map[string]interface{}{
			"status":     status,
			"progress":   progress,
			"risk_level": sc.Risk.Level.String(),
			"degraded":   len(sc.Warnings) > 0,
		},
	})
	e.logger.Info("pipeline run completed",
		"session", sc.SessionID,
		"risk", sc.Risk.Level.String(),
		"warnings", len(sc.Warnings),
		"duration", elapsed.Truncate(time.Millisecond))
	return nil
}

func cancelledError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return fmt.Errorf("cancelled: %w", cause)
}

func (e *Engine) validate(_ context.Context, sc *ScanContext) StageResult {
	if e.deps.Validator == nil || !e.deps.Validator.Allowed(sc.Target) {
		return Fatal(&ValidationError{Target: sc.Target, Reason: "target is outside the allowed scan scope"})
	}
	rng, err := sc.Profile.PortRange()
	if err != nil {
		return Fatal(&ValidationError{Target: sc.Target, Reason: err.Error()})
	}
	sc.Range = rng
	return Success()
}

func (e *Engine) scanPorts(ctx context.Context, sc *ScanContext) StageResult {
	if e.deps.Scanner == nil {
		sc.Ports = scanner.SimulatedPorts()
		return Degraded("port scan degraded to simulated data: " + scanner.ErrCapabilityUnavailable.Error())
	}
	res := e.deps.Scanner.Scan(ctx, sc.Target, sc.Range)
	sc.Ports = res.Ports
	if res.Degraded() {
		return Degraded(res.Warning)
	}
	return Success()
}

func (e *Engine) matchVulnerabilities(_ context.Context, sc *ScanContext) StageResult {
	vulns, err := vuln.Match(sc.Ports)
	if err != nil {
		return Fatal(&ContractError{Stage: StageVulnAnalysis, Err: err})
	}
	sc.Vulns = vulns
	return Success()
}

func (e *Engine) assessRisk(ctx context.Context, sc *ScanContext) StageResult {
	if e.deps.Assessor == nil {
		return Fatal(&ContractError{Stage: StageRiskAssess, Err: errors.New("no risk assessor configured")})
	}
	risk, warning := e.deps.Assessor.Assess(ctx, sc.Ports, sc.Vulns)
	sc.Risk = &risk
	if warning != "" {
		return Degraded(warning)
	}
	return Success()
}

func (e *Engine) remediate(ctx context.Context, sc *ScanContext) StageResult {
	if e.deps.Advisor == nil {
		return Fatal(&ContractError{Stage: StageRemediation, Err: errors.New("no remediation advisor configured")})
	}
	rem, warning := e.deps.Advisor.Advise(ctx, sc.Vulns)
	sc.Remediation = &rem
	if warning != "" {
		return Degraded(warning)
	}
	return Success()
}

func (e *Engine) composeReport(_ context.Context, sc *ScanContext) StageResult {
	text, err := report.Compose(report.Input{
		SessionID:       sc.SessionID,
		Target:          sc.Target,
		Profile:         sc.Profile,
		PortRange:       sc.Range,
		Ports:           sc.Ports,
		Vulnerabilities: sc.Vulns,
		Risk:            sc.Risk,
		Remediation:     sc.Remediation,
		Warnings:        sc.Warnings,
	}, e.clock())
	if err != nil {
		return Fatal(&ComposeError{Err: err})
	}
	sc.Report = text
	return Success()
}

func nonNilPorts(p []models.PortRecord) []models.PortRecord {
	if p == nil {
		return []models.PortRecord{}
	}
	return p
}

func nonNilVulns(v []models.VulnerabilityRecord) []models.VulnerabilityRecord {
	if v == nil {
		return []models.VulnerabilityRecord{}
	}
	return v
}
