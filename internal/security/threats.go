package security

import (
	"fmt"
	"regexp"
	"strings"
)

// ThreatPattern is a named regular expression matched against string
// parameters of an invocation. A match raises the risk score.
type ThreatPattern struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Pattern     string    `json:"pattern" yaml:"pattern"`
	Severity    RiskLevel `json:"severity" yaml:"severity"`
	Category    string    `json:"category" yaml:"category"`
}

// DefaultThreatPatterns returns the built-in threat catalogue.
func DefaultThreatPatterns() []ThreatPattern {
	return []ThreatPattern{
		{
			Name:        "dangerous_file_operation",
			Description: "destructive filesystem command",
			Pattern:     `(?:rm\s+-rf|mkfs\.|dd\s+if=)`,
			Severity:    RiskHigh,
			Category:    "file_system",
		},
		{
			Name:        "dangerous_system_command",
			Description: "privileged or permission-changing command",
			Pattern:     `(?:sudo\s+|chmod\s+777|chown\s+root)`,
			Severity:    RiskHigh,
			Category:    "system",
		},
		{
			Name:        "suspicious_network_activity",
			Description: "listener, scanner or remote download",
			Pattern:     `(?:nc\s+-l|nmap|wget\s+http|curl\s+[^|]*\|\s*(?:ba)?sh)`,
			Severity:    RiskMedium,
			Category:    "network",
		},
		{
			Name:        "privilege_escalation",
			Description: "attempt to open a root shell",
			Pattern:     `(?:sudo\s+su|sudo\s+bash|sudo\s+sh)`,
			Severity:    RiskHigh,
			Category:    "security",
		},
	}
}

type compiledPattern struct {
	ThreatPattern
	re *regexp.Regexp
}

// compilePatterns compiles patterns case-insensitively, preserving order.
// Later patterns with the same name replace earlier ones in place.
func compilePatterns(patterns []ThreatPattern) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(patterns))
	index := make(map[string]int, len(patterns))
	for _, p := range patterns {
		if p.Name == "" {
			return nil, fmt.Errorf("threat pattern %q: name is required", p.Pattern)
		}
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("threat pattern %q: %w", p.Name, err)
		}
		cp := compiledPattern{ThreatPattern: p, re: re}
		if i, ok := index[p.Name]; ok {
			out[i] = cp
			continue
		}
		index[p.Name] = len(out)
		out = append(out, cp)
	}
	return out, nil
}

// delta is the score contribution of a pattern match.
func (p compiledPattern) delta() float64 {
	switch p.Severity {
	case RiskLow:
		return 0.05
	case RiskMedium:
		return 0.15
	default:
		return 0.3
	}
}

// threatReasonPrefix marks assessment reasons produced by a threat pattern.
const threatReasonPrefix = "threat:"

// ThreatStats aggregates threat pattern matches found in audit records.
// A match is counted once per invocation; retried attempts repeat the
// same reasons and do not inflate the counts.
type ThreatStats struct {
	TotalEvents int            `json:"total_events"`
	ByThreat    map[string]int `json:"by_threat"`
	ByCategory  map[string]int `json:"by_category"`
	BySeverity  map[string]int `json:"by_severity"`
	ByTool      map[string]int `json:"by_tool"`
}

// SummarizeThreats counts the threat reasons carried by records. Category and
// severity come from patterns; a name no pattern knows is filed as "unknown".
func SummarizeThreats(records []AuditRecord, patterns []ThreatPattern) ThreatStats {
	known := make(map[string]ThreatPattern, len(patterns))
	for _, p := range patterns {
		known[p.Name] = p
	}
	stats := ThreatStats{
		ByThreat:   map[string]int{},
		ByCategory: map[string]int{},
		BySeverity: map[string]int{},
		ByTool:     map[string]int{},
	}
	seen := make(map[[2]string]bool)
	for _, r := range records {
		for _, reason := range r.Reasons {
			name, ok := strings.CutPrefix(reason, threatReasonPrefix)
			if !ok {
				continue
			}
			key := [2]string{r.InvocationID, name}
			if seen[key] {
				continue
			}
			seen[key] = true

			category, severity := "unknown", "unknown"
			if p, ok := known[name]; ok {
				category, severity = p.Category, p.Severity.String()
			}
			stats.TotalEvents++
			stats.ByThreat[name]++
			stats.ByCategory[category]++
			stats.BySeverity[severity]++
			stats.ByTool[r.ToolName]++
		}
	}
	return stats
}
