package models

import (
	"fmt"
	"strings"
)

// Severity 是全序的风险等级：Low < Medium < High < Critical。
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Valid 判断是否为四个已知等级之一。
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// ParseSeverity 不区分大小写地解析等级名称。
func ParseSeverity(raw string) (Severity, error) {
	needle := strings.TrimSpace(raw)
	for sev, name := range severityNames {
		if strings.EqualFold(name, needle) {
			return sev, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("unknown severity %q", raw)
}

// MarshalText 以名称形式输出，便于 JSON 编码。
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
