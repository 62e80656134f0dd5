package security

import (
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// DefaultRiskThreshold is the score at or above which confirmation is required.
const DefaultRiskThreshold = 0.7

// Heuristic deltas added to the base score.
const (
	deltaShellMeta     = 0.3
	deltaDestructive   = 0.2
	deltaPathOutside   = 0.25
	deltaNetworkEgress = 0.2
	deltaDeniedDomain  = 0.1
	deltaSensitive     = 0.1
	deltaRecursive     = 0.1
)

var (
	destructiveRe = regexp.MustCompile(`(?i)\b(?:delete|drop|truncate|format|kill|rm|wipe|destroy|shutdown|reboot)\b`)
	shellMetaRe   = regexp.MustCompile("(?:;|&&|\\|\\||`|\\$\\()")
)

var pathKeys = map[string]bool{
	"path": true, "file": true, "filename": true, "dir": true, "directory": true,
	"target": true, "source": true, "src": true, "dest": true, "destination": true, "cwd": true,
}

var networkKeys = map[string]bool{
	"url": true, "host": true, "hostname": true, "endpoint": true, "address": true, "domain": true,
}

// Subject is what the assessor scores: the static risk data of the tool and
// the bound parameters of one invocation.
type Subject struct {
	Tool       string
	Category   string
	Level      RiskLevel
	Parameters map[string]any
}

// RiskAssessment is the verdict for one invocation. It is derived, never stored
// on its own.
type RiskAssessment struct {
	Score                float64   `json:"score"`
	Level                RiskLevel `json:"level"`
	Threshold            float64   `json:"threshold"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	Reasons              []string  `json:"reasons,omitempty"`
}

// AssessorConfig configures the Assessor.
type AssessorConfig struct {
	Threshold float64
	Policy    Policy
	// Patterns are appended to the default catalogue; same-name entries replace it.
	Patterns []ThreatPattern
}

// Assessor scores invocations. It holds no mutable state, so Assess is safe
// for concurrent use and returns identical results for identical input.
type Assessor struct {
	threshold float64
	policy    Policy
	patterns  []compiledPattern
	logger    *slog.Logger
}

// NewAssessor compiles the threat catalogue and validates the threshold.
func NewAssessor(cfg AssessorConfig, logger *slog.Logger) (*Assessor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultRiskThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("risk threshold %.2f out of range [0,1]", threshold)
	}
	patterns, err := compilePatterns(append(DefaultThreatPatterns(), cfg.Patterns...))
	if err != nil {
		return nil, err
	}
	return &Assessor{
		threshold: threshold,
		policy:    cfg.Policy,
		patterns:  patterns,
		logger:    logger,
	}, nil
}

// Threshold returns the configured default threshold.
func (a *Assessor) Threshold() float64 { return a.threshold }

// Patterns returns the active threat catalogue in match order.
func (a *Assessor) Patterns() []ThreatPattern {
	out := make([]ThreatPattern, len(a.patterns))
	for i, p := range a.patterns {
		out[i] = p.ThreatPattern
	}
	return out
}

// Assess scores the subject against the default threshold.
func (a *Assessor) Assess(s Subject) RiskAssessment {
	return a.AssessWithThreshold(s, a.threshold)
}

// AssessWithThreshold scores the subject against an explicit threshold.
// Critical tools always require confirmation.
func (a *Assessor) AssessWithThreshold(s Subject, threshold float64) RiskAssessment {
	score := s.Level.BaseScore()
	var reasons []string
	add := func(reason string, delta float64) {
		reasons = append(reasons, reason)
		score += delta
	}

	values := flatten(s.Parameters)

	for _, p := range a.patterns {
		for _, v := range values {
			if p.re.MatchString(v.value) {
				add(threatReasonPrefix+p.Name, p.delta())
				break
			}
		}
	}
	if anyValue(values, func(v param) bool { return shellMetaRe.MatchString(v.value) }) {
		add("shell_metacharacters", deltaShellMeta)
	}
	if anyValue(values, func(v param) bool { return destructiveRe.MatchString(v.value) }) {
		add("destructive_keyword", deltaDestructive)
	}
	if anyValue(values, func(v param) bool { return v.isPath() && a.policy.CheckPath(v.value) != nil }) {
		add("path_outside_allowlist", deltaPathOutside)
	}
	var hosts []string
	for _, v := range values {
		if h, ok := v.host(); ok {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) > 0 {
		add("network_egress", deltaNetworkEgress)
		for _, h := range hosts {
			if a.policy.CheckDomain(h) != nil {
				add("denied_domain", deltaDeniedDomain)
				break
			}
		}
	}
	if anyValue(values, func(v param) bool { return isSensitiveKey(v.key) }) {
		add("sensitive_parameter", deltaSensitive)
	}
	if anyValue(values, func(v param) bool { return (v.leaf == "recursive" || v.leaf == "force") && v.value == "true" }) {
		add("recursive_flag", deltaRecursive)
	}

	score = clamp(score)
	return RiskAssessment{
		Score:                score,
		Level:                s.Level,
		Threshold:            threshold,
		RequiresConfirmation: score >= threshold || s.Level == RiskCritical,
		Reasons:              reasons,
	}
}

func clamp(v float64) float64 {
	v = math.Round(v*1e4) / 1e4
	return math.Max(0, math.Min(1, v))
}

// param is one flattened scalar parameter. key is the dotted path, leaf the
// last element.
type param struct {
	key   string
	leaf  string
	value string
}

func (p param) isPath() bool {
	if p.value == "" {
		return false
	}
	if pathKeys[strings.ToLower(p.leaf)] {
		return true
	}
	return strings.HasPrefix(p.value, "/") || strings.HasPrefix(p.value, "~/") || strings.HasPrefix(p.value, "../")
}

func (p param) host() (string, bool) {
	if strings.Contains(p.value, "://") {
		u, err := url.Parse(p.value)
		if err == nil && u.Hostname() != "" {
			return u.Hostname(), true
		}
	}
	if networkKeys[strings.ToLower(p.leaf)] && p.value != "" && !strings.ContainsAny(p.value, " /") {
		host := p.value
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		return host, true
	}
	return "", false
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"password", "passwd", "secret", "token", "apikey", "api_key", "private_key"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return k == "key" || strings.HasSuffix(k, ".key")
}

func anyValue(values []param, fn func(param) bool) bool {
	for _, v := range values {
		if fn(v) {
			return true
		}
	}
	return false
}

// flatten walks parameters in sorted key order so the assessment does not
// depend on map iteration.
func flatten(params map[string]any) []param {
	var out []param
	var walk func(prefix, leaf string, v any)
	walk = func(prefix, leaf string, v any) {
		switch t := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(join(prefix, k), k, t[k])
			}
		case []any:
			for i, item := range t {
				walk(fmt.Sprintf("%s[%d]", prefix, i), leaf, item)
			}
		case []string:
			for i, item := range t {
				walk(fmt.Sprintf("%s[%d]", prefix, i), leaf, item)
			}
		case nil:
		case string:
			out = append(out, param{key: prefix, leaf: leaf, value: t})
		default:
			out = append(out, param{key: prefix, leaf: leaf, value: fmt.Sprint(t)})
		}
	}
	walk("", "", params)
	return out
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
