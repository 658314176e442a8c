// Package report 把一次扫描的全部产出组装成 Markdown 报告。
package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/hitushen/postureguard/internal/models"
)

// ErrIncompleteInput 表示上游没有提供报告所需的字段。
var ErrIncompleteInput = errors.New("incomplete report input")

// Input 是生成报告所需的全部数据。
type Input struct {
	SessionID       string
	Target          string
	Profile         models.Profile
	PortRange       models.PortRange
	Ports           []models.PortRecord
	Vulnerabilities []models.VulnerabilityRecord
	Risk            *models.RiskAssessment
	Remediation     *models.Remediation
	Warnings        []string
}

// Compose 是纯格式化函数：相同输入与 generatedAt 得到逐字节相同的输出。
func Compose(in Input, generatedAt time.Time) (string, error) {
	switch {
	case strings.TrimSpace(in.Target) == "":
		return "", fmt.Errorf("%w: target is empty", ErrIncompleteInput)
	case in.Risk == nil:
		return "", fmt.Errorf("%w: risk assessment missing", ErrIncompleteInput)
	case in.Remediation == nil:
		return "", fmt.Errorf("%w: remediation missing", ErrIncompleteInput)
	}

	var buf bytes.Buffer
	md := markdown.NewMarkdown(&buf)
	writeHeader(md, in, generatedAt)
	writePorts(md, in.Ports)
	writeVulnerabilities(md, in.Vulnerabilities)
	writeRisk(md, *in.Risk)
	writeRemediation(md, *in.Remediation)
	writeWarnings(md, in.Warnings)
	if err := md.Build(); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

func writeHeader(md *markdown.Markdown, in Input, generatedAt time.Time) {
	md.H1("Security Posture Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Target", "`" + in.Target + "`"},
			{"Scan Type", string(in.Profile)},
			{"Port Range", in.PortRange.String()},
			{"Session", in.SessionID},
			{"Generated", generatedAt.UTC().Format(time.RFC3339)},
		},
	})
	md.PlainText("")
}

func writePorts(md *markdown.Markdown, ports []models.PortRecord) {
	md.H2("Open Ports")
	md.PlainText("")
	if len(ports) == 0 {
		md.PlainText("No open ports discovered.")
		md.PlainText("")
		return
	}
	simulated := false
	rows := make([][]string, 0, len(ports))
	for _, p := range ports {
		if p.Provenance == models.ProvenanceSimulated {
			simulated = true
		}
		rows = append(rows, []string{
			strconv.Itoa(p.Port),
			p.Protocol,
			p.State,
			orDash(p.Service),
			orDash(p.Version),
			string(p.Provenance),
		})
	}
	if simulated {
		md.Caution("Port data below is SIMULATED. The scanning capability was unavailable or failed, so these results do not reflect the real target.")
		md.PlainText("")
	}
	md.Table(markdown.TableSet{
		Header: []string{"Port", "Protocol", "State", "Service", "Version", "Provenance"},
		Rows:   rows,
	})
	md.PlainText("")
}

func writeVulnerabilities(md *markdown.Markdown, vulns []models.VulnerabilityRecord) {
	md.H2("Vulnerabilities")
	md.PlainText("")
	if len(vulns) == 0 {
		md.Tip("No known vulnerabilities matched the discovered services.")
		md.PlainText("")
		return
	}

	counts := make(map[models.Severity]uint64, 4)
	rows := make([][]string, 0, len(vulns))
	for _, v := range vulns {
		counts[v.Severity]++
		rows = append(rows, []string{
			v.Severity.String(),
			v.Type,
			strconv.Itoa(v.Port),
			orDash(v.Service),
			orDash(v.Reference),
			v.Description,
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Severity", "Type", "Port", "Service", "Reference", "Description"},
		Rows:   rows,
	})
	md.PlainText("")

	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Finding Severity Distribution"),
		piechart.WithShowData(true),
	)
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		if n := counts[sev]; n > 0 {
			chart.LabelAndIntValue(sev.String(), n)
		}
	}
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func writeRisk(md *markdown.Markdown, risk models.RiskAssessment) {
	md.H2("Risk Assessment")
	md.PlainText("")
	switch risk.Level {
	case models.SeverityCritical:
		md.Cautionf("Overall risk is %s (score %d/100).", risk.Level, risk.Score)
	case models.SeverityHigh:
		md.Warningf("Overall risk is %s (score %d/100).", risk.Level, risk.Score)
	default:
		md.Notef("Overall risk is %s (score %d/100).", risk.Level, risk.Score)
	}
	md.PlainText("")
	md.PlainText(risk.Analysis)
	md.PlainText("")
}

func writeRemediation(md *markdown.Markdown, rem models.Remediation) {
	md.H2("Remediation")
	md.PlainText("")
	md.PlainText(rem.Recommendations)
	md.PlainText("")
}

func writeWarnings(md *markdown.Markdown, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	md.H2("Warnings")
	md.PlainText("")
	md.BulletList(warnings...)
	md.PlainText("")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
