package models

import (
	"fmt"
	"strings"
	"time"
)

// Status 表示扫描会话的生命周期状态，只能向前推进。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal 判断状态是否已结束。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Profile 决定扫描的端口范围。
type Profile string

const (
	ProfileQuick    Profile = "quick"
	ProfileStandard Profile = "standard"
	ProfileFull     Profile = "full"
)

// ParseProfile 解析用户输入的扫描类型，空值视为 standard。
func ParseProfile(raw string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return ProfileStandard, nil
	case ProfileQuick, ProfileStandard, ProfileFull:
		return p, nil
	default:
		return "", fmt.Errorf("unknown scan type %q (want quick, standard or full)", raw)
	}
}

// PortRange 返回该扫描类型对应的端口区间。
func (p Profile) PortRange() (PortRange, error) {
	switch p {
	case ProfileQuick:
		return PortRange{Start: 1, End: 1000}, nil
	case ProfileStandard:
		return PortRange{Start: 1, End: 10000}, nil
	case ProfileFull:
		return PortRange{Start: 1, End: MaxPort}, nil
	default:
		return PortRange{}, fmt.Errorf("unknown scan type %q", string(p))
	}
}

// MaxPort 为合法端口号上限。
const MaxPort = 65535

// PortRange 是闭区间 [Start, End]。
type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Valid 检查区间是否落在 1-65535 之内。
func (r PortRange) Valid() bool {
	return r.Start >= 1 && r.End <= MaxPort && r.Start <= r.End
}

// Provenance 标记端口数据来自真实扫描还是模拟回退。
type Provenance string

const (
	ProvenanceReal      Provenance = "real"
	ProvenanceSimulated Provenance = "simulated"
)

// 端口状态枚举。
const (
	PortStateOpen     = "open"
	PortStateClosed   = "closed"
	PortStateFiltered = "filtered"
)

// PortRecord 描述一次扫描发现的端口。
type PortRecord struct {
	Port       int        `json:"port"`
	Protocol   string     `json:"protocol"`
	State      string     `json:"state"`
	Service    string     `json:"service"`
	Version    string     `json:"version"`
	Provenance Provenance `json:"provenance"`
}

// IsOpen 判断端口是否处于开放状态。
func (p PortRecord) IsOpen() bool {
	return p.State == PortStateOpen
}

// VulnerabilityRecord 是由端口推导出的潜在风险。
type VulnerabilityRecord struct {
	Type        string   `json:"type"`
	Port        int      `json:"port"`
	Service     string   `json:"service"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Reference   string   `json:"reference,omitempty"`
}

// RiskAssessment 汇总整体风险。
type RiskAssessment struct {
	Score    int      `json:"score"`
	Level    Severity `json:"level"`
	Analysis string   `json:"analysis"`
}

// Remediation 保存修复建议文本。
type Remediation struct {
	Recommendations string `json:"recommendations"`
}

// Session 记录一次扫描请求的完整生命周期。
type Session struct {
	ID              string                `json:"session_id"`
	Target          string                `json:"target"`
	Profile         Profile               `json:"scan_type"`
	Status          Status                `json:"status"`
	Progress        int                   `json:"progress"`
	CurrentStep     string                `json:"current_step,omitempty"`
	Error           string                `json:"error,omitempty"`
	Ports           []PortRecord          `json:"ports,omitempty"`
	Vulnerabilities []VulnerabilityRecord `json:"vulnerabilities,omitempty"`
	Risk            *RiskAssessment       `json:"risk_assessment,omitempty"`
	Remediation     *Remediation          `json:"remediation,omitempty"`
	Report          string                `json:"report,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}
