// Package remediation 根据漏洞列表生成修复建议。
package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/reasoning"
	"github.com/hitushen/postureguard/internal/vuln"
)

// NoActionMessage 是没有发现漏洞时的固定建议。
const NoActionMessage = "No action required. No known vulnerabilities were found; schedule a periodic review to keep the exposure baseline current."

// UnavailableMessage 是推理服务不可用时固定建议的开头。
const UnavailableMessage = "Automated remediation guidance is unavailable. Apply the baseline recommendations below."

// Advisor 生成修复建议；推理服务缺失或失败时返回确定性的回退文本。
type Advisor struct {
	engine reasoning.Engine
	logger *slog.Logger
}

// New 创建建议器；engine 可为 nil。
func New(engine reasoning.Engine, logger *slog.Logger) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{engine: engine, logger: logger}
}

// Advise 返回修复建议与可能的警告，从不失败。
func (a *Advisor) Advise(ctx context.Context, vulns []models.VulnerabilityRecord) (models.Remediation, string) {
	if len(vulns) == 0 {
		return models.Remediation{Recommendations: NoActionMessage}, ""
	}
	if a.engine == nil {
		return Fallback(vulns), fmt.Sprintf("remediation used fallback guidance: %v", reasoning.ErrUnavailable)
	}
	text, err := a.complete(ctx, buildPrompt(vulns))
	if err != nil {
		a.logger.Warn("remediation reasoning failed, using fallback", "error", err)
		return Fallback(vulns), fmt.Sprintf("remediation used fallback guidance: %v", err)
	}
	return models.Remediation{Recommendations: text}, ""
}

func (a *Advisor) complete(ctx context.Context, prompt string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reasoning engine panic: %v", r)
		}
	}()
	return a.engine.Complete(ctx, prompt)
}

// Fallback 返回固定提示加上每项发现对应的规则建议。
func Fallback(vulns []models.VulnerabilityRecord) models.Remediation {
	var b strings.Builder
	b.WriteString(UnavailableMessage)
	seen := make(map[int]bool, len(vulns))
	for _, v := range vulns {
		if seen[v.Port] {
			continue
		}
		seen[v.Port] = true
		advice := "Restrict network access to this service to trusted hosts."
		if rule, ok := vuln.RuleFor(v.Port); ok {
			advice = rule.Advice
		}
		fmt.Fprintf(&b, "\n- Port %d (%s, %s): %s", v.Port, v.Type, v.Severity, advice)
	}
	return models.Remediation{Recommendations: b.String()}
}

func buildPrompt(vulns []models.VulnerabilityRecord) string {
	var b strings.Builder
	b.WriteString("Give prioritised, concrete remediation steps for these findings. Use a short list per finding.\n\n")
	for _, v := range vulns {
		fmt.Fprintf(&b, "- [%s] %s on port %d (%s): %s\n", v.Severity, v.Type, v.Port, v.Service, v.Description)
	}
	return b.String()
}
