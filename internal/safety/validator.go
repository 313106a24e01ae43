package safety

import (
	"regexp"
	"strings"
)

// Validator classifies a shell command before the engine spawns a process.
// The engine treats it as opaque: a rejection yields a SAFETY_REJECTION
// result without executing anything, and is never retried.
type Validator interface {
	Validate(command string) (ok bool, reason string)
}

// blockedPatterns match commands no automation agent should run unattended.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+/(\s|$)`),
	regexp.MustCompile(`(?i)\brm\s+-(rf|fr)\s+--no-preserve-root`),
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*\bof=/dev/(sd|hd|nvme|vd)`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;:`), // fork bomb
	regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme|vd)`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*777\s+/(\s|$)`),
	regexp.MustCompile(`(?i)\bshutdown\b|\breboot\b|\bhalt\b|\bpoweroff\b`),
	regexp.MustCompile(`(?i)curl[^|;&]*\|\s*(ba)?sh`),
	regexp.MustCompile(`(?i)wget[^|;&]*\|\s*(ba)?sh`),
}

// cautionPatterns are allowed but worth surfacing in the reason string.
var cautionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\brm\s+-`),
	regexp.MustCompile(`(?i)\bgit\s+push\s+.*--force`),
}

// PatternValidator is the default Validator: a fixed deny-list of command
// shapes, checked against the whole command string.
type PatternValidator struct{}

// NewPatternValidator creates the default pattern-based validator.
func NewPatternValidator() *PatternValidator {
	return &PatternValidator{}
}

// Validate reports whether the command is safe to execute.
func (v *PatternValidator) Validate(command string) (bool, string) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return false, "empty command"
	}

	for _, p := range blockedPatterns {
		if p.MatchString(trimmed) {
			return false, "command matches blocked pattern: " + p.String()
		}
	}

	for _, p := range cautionPatterns {
		if p.MatchString(trimmed) {
			return true, "caution: " + p.String()
		}
	}

	return true, ""
}

var _ Validator = (*PatternValidator)(nil)

// AllowAll is a Validator that accepts every command. Used for dry runs and
// tests where the gate itself is not under test.
type AllowAll struct{}

func (AllowAll) Validate(string) (bool, string) { return true, "" }
