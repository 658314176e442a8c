// Package risk 汇总漏洞严重程度得出整体风险等级。
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/reasoning"
)

// 基线规则中各等级对应的分数。
var levelScores = map[models.Severity]int{
	models.SeverityCritical: 90,
	models.SeverityHigh:     70,
	models.SeverityMedium:   50,
	models.SeverityLow:      30,
}

// EmptyScore 是没有任何漏洞时的分数。
const EmptyScore = 10

const emptyAnalysis = "No known vulnerabilities were matched against the discovered services."

// Baseline 是不依赖推理服务的确定性规则：取最高严重程度作为整体等级。
func Baseline(vulns []models.VulnerabilityRecord) models.RiskAssessment {
	if len(vulns) == 0 {
		return models.RiskAssessment{Score: EmptyScore, Level: models.SeverityLow, Analysis: emptyAnalysis}
	}
	level := models.SeverityLow
	worst := vulns[0]
	for _, v := range vulns {
		if v.Severity > level {
			level = v.Severity
		}
		if v.Severity > worst.Severity {
			worst = v
		}
	}
	counts := make(map[models.Severity]int, 4)
	for _, v := range vulns {
		counts[v.Severity]++
	}
	var parts []string
	for _, s := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	analysis := fmt.Sprintf("%d finding(s) (%s). Highest severity is %s: %s on port %d.",
		len(vulns), strings.Join(parts, ", "), level, worst.Type, worst.Port)
	return models.RiskAssessment{Score: levelScores[level], Level: level, Analysis: analysis}
}

// Assessor 在基线规则之上可选地请求推理服务给出结构化结论。
type Assessor struct {
	engine reasoning.Engine
	logger *slog.Logger
}

// New 创建评估器；engine 可为 nil。
func New(engine reasoning.Engine, logger *slog.Logger) *Assessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assessor{engine: engine, logger: logger}
}

type verdict struct {
	Score    *int   `json:"score"`
	Level    string `json:"level"`
	Analysis string `json:"analysis"`
}

func (v verdict) validate() (models.Severity, error) {
	if strings.TrimSpace(v.Analysis) == "" {
		return models.SeverityUnknown, errors.New("analysis is empty")
	}
	if v.Score != nil && (*v.Score < 0 || *v.Score > 100) {
		return models.SeverityUnknown, fmt.Errorf("score %d out of range", *v.Score)
	}
	if v.Level == "" {
		return models.SeverityUnknown, nil
	}
	level, err := models.ParseSeverity(v.Level)
	if err != nil {
		return models.SeverityUnknown, err
	}
	return level, nil
}

// Assess 返回风险评估与可能的警告。推理服务的任何失败都只产生警告，结果退回基线。
// 推理结论不能把等级降到基线以下。
func (a *Assessor) Assess(ctx context.Context, ports []models.PortRecord, vulns []models.VulnerabilityRecord) (models.RiskAssessment, string) {
	base := Baseline(vulns)
	if len(vulns) == 0 || a.engine == nil {
		return base, ""
	}

	var v verdict
	if err := a.complete(ctx, buildPrompt(ports, vulns, base), &v); err != nil {
		a.logger.Warn("risk reasoning failed, using baseline", "error", err)
		return base, fmt.Sprintf("risk assessment used baseline rule: %v", err)
	}
	level, err := v.validate()
	if err != nil {
		err = fmt.Errorf("%w: %v", reasoning.ErrMalformedResponse, err)
		a.logger.Warn("risk reasoning response rejected, using baseline", "error", err)
		return base, fmt.Sprintf("risk assessment used baseline rule: %v", err)
	}

	out := models.RiskAssessment{Score: base.Score, Level: base.Level, Analysis: strings.TrimSpace(v.Analysis)}
	if v.Score != nil {
		out.Score = *v.Score
	}
	if level > base.Level {
		out.Level = level
	}
	out.Score = clampScore(out.Score, out.Level)
	return out, ""
}

// complete 调用推理服务，把服务内部的 panic 转为普通错误。
func (a *Assessor) complete(ctx context.Context, prompt string, out *verdict) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reasoning engine panic: %v", r)
		}
	}()
	return a.engine.CompleteJSON(ctx, prompt, out)
}

// clampScore 把分数限制在等级对应的区间内：不低于该等级的基线分，不达到上一级的基线分。
func clampScore(score int, level models.Severity) int {
	floor, ceiling := levelScores[level], 100
	if next, ok := levelScores[level+1]; ok {
		ceiling = next - 1
	}
	switch {
	case score < floor:
		return floor
	case score > ceiling:
		return ceiling
	}
	return score
}

func buildPrompt(ports []models.PortRecord, vulns []models.VulnerabilityRecord, base models.RiskAssessment) string {
	var b strings.Builder
	b.WriteString("Assess the overall security risk of a host.\n\nOpen ports:\n")
	for _, p := range ports {
		fmt.Fprintf(&b, "- %d/%s %s %s (%s)\n", p.Port, p.Protocol, p.Service, p.Version, p.Provenance)
	}
	b.WriteString("\nFindings:\n")
	for _, v := range vulns {
		fmt.Fprintf(&b, "- [%s] %s on port %d: %s\n", v.Severity, v.Type, v.Port, v.Description)
	}
	fmt.Fprintf(&b, "\nRule-based baseline: level %s, score %d.\n", base.Level, base.Score)
	b.WriteString(`Respond with a JSON object {"score": <0-100 integer>, "level": "Low|Medium|High|Critical", "analysis": "<short narrative>"}.`)
	return b.String()
}
