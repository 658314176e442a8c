// Package vuln 将发现的端口映射为已知的暴露风险。
package vuln

import (
	"errors"
	"fmt"

	"github.com/hitushen/postureguard/internal/models"
)

// ErrMalformedPort 表示输入端口不在 1-65535 范围内。
var ErrMalformedPort = errors.New("malformed port record")

// Rule 描述一个高风险端口的判定结果与固定修复提示。
type Rule struct {
	Port        int
	Type        string
	Severity    models.Severity
	Description string
	Reference   string
	Advice      string
}

var rules = []Rule{
	{
		Port:        21,
		Type:        "FTP exposure",
		Severity:    models.SeverityMedium,
		Description: "FTP service is exposed. Credentials and data travel unencrypted.",
		Reference:   "CWE-319",
		Advice:      "Disable FTP or replace it with SFTP/FTPS and restrict access by firewall.",
	},
	{
		Port:        22,
		Type:        "SSH exposure",
		Severity:    models.SeverityLow,
		Description: "SSH service is exposed. Watch for brute-force attempts.",
		Reference:   "CWE-307",
		Advice:      "Require key-based authentication, disable root login and rate-limit connections.",
	},
	{
		Port:        23,
		Type:        "Telnet exposure",
		Severity:    models.SeverityHigh,
		Description: "Telnet service is exposed. All traffic, including credentials, is unencrypted.",
		Reference:   "CWE-319",
		Advice:      "Disable Telnet immediately and use SSH instead.",
	},
	{
		Port:        3306,
		Type:        "MySQL exposure",
		Severity:    models.SeverityHigh,
		Description: "MySQL database is reachable from the network.",
		Reference:   "CWE-284",
		Advice:      "Bind MySQL to localhost or a private interface and allow only application hosts.",
	},
	{
		Port:        5432,
		Type:        "PostgreSQL exposure",
		Severity:    models.SeverityHigh,
		Description: "PostgreSQL database is reachable from the network.",
		Reference:   "CWE-284",
		Advice:      "Restrict listen_addresses and pg_hba.conf to trusted hosts and enforce TLS.",
	},
	{
		Port:        6379,
		Type:        "Redis exposure",
		Severity:    models.SeverityHigh,
		Description: "Redis is reachable from the network. Verify authentication is configured.",
		Reference:   "CWE-306",
		Advice:      "Enable requirepass/ACLs, enable protected-mode and bind Redis to a private interface.",
	},
}

var rulesByPort = func() map[int]Rule {
	m := make(map[int]Rule, len(rules))
	for _, r := range rules {
		m[r.Port] = r
	}
	return m
}()

// Rules 返回规则表的副本，按端口号升序。
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// RuleFor 查询指定端口的规则。
func RuleFor(port int) (Rule, bool) {
	r, ok := rulesByPort[port]
	return r, ok
}

// Match 按输入顺序为开放端口生成漏洞记录；不在规则表中的端口不产生记录。
// 结果从不为 nil，便于区分“未分析”与“无发现”。
func Match(ports []models.PortRecord) ([]models.VulnerabilityRecord, error) {
	out := make([]models.VulnerabilityRecord, 0, len(ports))
	for i, p := range ports {
		if p.Port < 1 || p.Port > models.MaxPort {
			return nil, fmt.Errorf("%w: index %d has port %d", ErrMalformedPort, i, p.Port)
		}
		if !p.IsOpen() {
			continue
		}
		rule, ok := rulesByPort[p.Port]
		if !ok {
			continue
		}
		out = append(out, models.VulnerabilityRecord{
			Type:        rule.Type,
			Port:        p.Port,
			Service:     p.Service,
			Severity:    rule.Severity,
			Description: rule.Description,
			Reference:   rule.Reference,
		})
	}
	return out, nil
}
