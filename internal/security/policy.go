// Package security policy.go holds the path and domain lists the risk
// assessor consults.
//
// Deny-first evaluation: DeniedX checked first; if match, deny.
// Then AllowedX checked; if non-empty and no match, deny.
// Empty AllowedX = allow all.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Policy restricts what invocations are allowed to touch. A violation does
// not block execution by itself; it raises the risk score.
type Policy struct {
	AllowedPaths   []string `json:"allowed_paths" yaml:"allowed_paths"`
	DeniedPaths    []string `json:"denied_paths" yaml:"denied_paths"`
	AllowedDomains []string `json:"allowed_domains" yaml:"allowed_domains"`
	DeniedDomains  []string `json:"denied_domains" yaml:"denied_domains"`
}

// CheckPath returns nil if filesystem access to the path is allowed.
func (p Policy) CheckPath(path string) error {
	return checkPrefixAllowDeny(filepath.Clean(path), cleanAll(p.AllowedPaths), cleanAll(p.DeniedPaths), "path")
}

// CheckDomain returns nil if network access to the domain is allowed.
// Entries match the domain itself and its subdomains.
func (p Policy) CheckDomain(domain string) error {
	domain = strings.ToLower(domain)
	for _, d := range p.DeniedDomains {
		if domainMatch(domain, strings.ToLower(d)) {
			return fmt.Errorf("%w: domain %q is explicitly denied", ErrPolicyDenied, domain)
		}
	}
	if len(p.AllowedDomains) > 0 {
		for _, a := range p.AllowedDomains {
			if domainMatch(domain, strings.ToLower(a)) {
				return nil
			}
		}
		return fmt.Errorf("%w: domain %q is not in the allow list", ErrPolicyDenied, domain)
	}
	return nil
}

func domainMatch(domain, entry string) bool {
	return domain == entry || strings.HasSuffix(domain, "."+entry)
}

// checkPrefixAllowDeny implements deny-first logic with prefix matching.
func checkPrefixAllowDeny(value string, allowed, denied []string, label string) error {
	for _, d := range denied {
		if hasPathPrefix(value, d) {
			return fmt.Errorf("%w: %s %q matches denied prefix %q", ErrPolicyDenied, label, value, d)
		}
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if hasPathPrefix(value, a) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s %q does not match any allowed prefix", ErrPolicyDenied, label, value)
	}
	return nil
}

// hasPathPrefix matches whole path elements so /tmpfoo is not under /tmp.
func hasPathPrefix(value, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(value, "/")
	}
	return value == prefix || strings.HasPrefix(value, prefix+string(filepath.Separator))
}

func cleanAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = filepath.Clean(s)
	}
	return out
}
