package pipeline

import (
	"context"
	"time"

	"github.com/hitushen/postureguard/internal/models"
)

// 阶段名称，同时写入 Session.CurrentStep。
const (
	StageValidate     = "validate"
	StagePortScan     = "port_scan"
	StageVulnAnalysis = "vulnerability_analysis"
	StageRiskAssess   = "risk_assessment"
	StageRemediation  = "remediation"
	StageReport       = "report_generation"
	StepDone          = "done"
)

// Outcome 是阶段执行结果的分类。
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDegraded
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StageResult 显式表达阶段结果，流水线依据它分支而不是依赖 panic。
type StageResult struct {
	Outcome Outcome
	Warning string
	Err     error
}

func Success() StageResult { return StageResult{Outcome: OutcomeSuccess} }

func Degraded(warning string) StageResult {
	return StageResult{Outcome: OutcomeDegraded, Warning: warning}
}

func Fatal(err error) StageResult { return StageResult{Outcome: OutcomeFatal, Err: err} }

// ScanContext 是同一次运行中各阶段共享的数据。
type ScanContext struct {
	SessionID   string
	Target      string
	Profile     models.Profile
	Range       models.PortRange
	Ports       []models.PortRecord
	Vulns       []models.VulnerabilityRecord
	Risk        *models.RiskAssessment
	Remediation *models.Remediation
	Report      string
	Warnings    []string
	StartedAt   time.Time
}

// Stage 是有序阶段表中的一项；Start/End 为进入与完成时上报的进度。
type Stage struct {
	Name  string
	Start int
	End   int
	Run   func(ctx context.Context, sc *ScanContext) StageResult
}
