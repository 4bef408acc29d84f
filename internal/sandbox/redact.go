package sandbox

import (
	"regexp"
)

type redactionRule struct {
	re    *regexp.Regexp
	label string
}

// Redactor scrubs engine stderr before it reaches the server log.
type Redactor struct {
	rules []redactionRule
}

func NewRedactor(extra ...string) *Redactor {
	rules := []redactionRule{
		{re: regexp.MustCompile(`(?is)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), label: "[REDACTED_PRIVATE_KEY]"},
		{re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), label: "Bearer [REDACTED]"},
		{re: regexp.MustCompile(`\b(sk|pk|rk|whsec)_(live|test)_[A-Za-z0-9]+`), label: "[REDACTED_PROVIDER_KEY]"},
		{re: regexp.MustCompile(`\b(sgk|ptok)_[A-Za-z0-9_\-]{16,}`), label: "[REDACTED_CREDENTIAL]"},
		{re: regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*['"]?[^\s'"]+`), label: "$1=[REDACTED]"},
	}
	for _, pattern := range extra {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		rules = append(rules, redactionRule{re: re, label: "[REDACTED]"})
	}
	return &Redactor{rules: rules}
}

func (r *Redactor) Apply(input string) string {
	if r == nil || input == "" {
		return input
	}
	out := input
	for _, rule := range r.rules {
		out = rule.re.ReplaceAllString(out, rule.label)
	}
	return out
}
