// Package policy screens task inputs before a task starts and scrubs
// personal data and credentials from text that leaves the process.
package policy

import (
	"regexp"
	"strings"
)

type Risk string

const (
	RiskLow     Risk = "low"
	RiskMedium  Risk = "medium"
	RiskHigh    Risk = "high"
	RiskBlocked Risk = "blocked"
)

// IntentDecision is the screening result for one task input. Blocked inputs
// never reach the agent.
type IntentDecision struct {
	Risk             Risk
	RequiresApproval bool
	Blocked          bool
	// Actionable is false for small talk and questions that do not ask the
	// agent to do anything.
	Actionable bool
	Reason     string
}

var (
	blockedIntentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
		regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json|\.pgpass)`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal|send)\b.*\b(api[_ -]?key|token|password|secret)s?\b`),
		regexp.MustCompile(`(?i)\bdrop\s+(database|schema)\b`),
	}
	highRiskKeywords = []string{
		"delete", "remove", "drop", "truncate", "format", "wipe", "destroy",
		"shutdown", "reboot", "kill", "terminate",
		"chmod", "chown", "sudo", "install", "uninstall",
		"deploy", "push", "merge", "migrate", "write file", "rollback",
	}
	mediumRiskKeywords = []string{
		"build", "create", "implement", "fix", "refactor", "update",
		"edit", "write", "add", "run", "test", "generate",
		"scaffold", "setup", "configure", "restart", "draft",
	}
	imperativeLeads = map[string]bool{
		"please": true, "can": true, "could": true, "make": true, "build": true,
		"create": true, "write": true, "fix": true, "run": true, "check": true,
		"list": true, "summarize": true, "find": true, "draft": true,
	}
)

const blockedReason = "Request appears to include destructive or secret-exfiltration behavior."

func DecideIntent(intent string) IntentDecision {
	in := strings.ToLower(strings.TrimSpace(intent))
	if in == "" {
		return IntentDecision{Risk: RiskLow}
	}

	for _, re := range blockedIntentPatterns {
		if re.MatchString(in) {
			return IntentDecision{
				Risk:             RiskBlocked,
				RequiresApproval: true,
				Blocked:          true,
				Actionable:       true,
				Reason:           blockedReason,
			}
		}
	}

	switch {
	case containsAny(in, highRiskKeywords):
		return IntentDecision{Risk: RiskHigh, RequiresApproval: true, Actionable: true}
	case containsAny(in, mediumRiskKeywords):
		return IntentDecision{Risk: RiskMedium, RequiresApproval: true, Actionable: true}
	}
	return IntentDecision{Risk: RiskLow, Actionable: looksImperative(in)}
}

func containsAny(in string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(in, kw) {
			return true
		}
	}
	return false
}

// looksImperative accepts requests of at least three words that open with a
// verb or a polite lead.
func looksImperative(in string) bool {
	parts := strings.Fields(in)
	if len(parts) < 3 {
		return false
	}
	return imperativeLeads[parts[0]]
}
