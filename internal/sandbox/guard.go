package sandbox

import (
	"regexp"
	"strings"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// bannedCall pairs a pattern with a human-readable reason for gate reports.
type bannedCall struct {
	pattern *regexp.Regexp
	reason  string
}

var pythonBanned = []bannedCall{
	{regexp.MustCompile(`\beval\s*\(`), "dynamic eval"},
	{regexp.MustCompile(`\bexec\s*\(`), "dynamic exec"},
	{regexp.MustCompile(`\bcompile\s*\(`), "dynamic compile"},
	{regexp.MustCompile(`__import__`), "dynamic import"},
	{regexp.MustCompile(`\bgetattr\s*\(`), "reflection"},
	{regexp.MustCompile(`\bsetattr\s*\(`), "reflection"},
	{regexp.MustCompile(`\bglobals\s*\(`), "namespace inspection"},
	{regexp.MustCompile(`\bos\.system\s*\(`), "process spawn"},
	{regexp.MustCompile(`\bos\.popen\s*\(`), "process spawn"},
	{regexp.MustCompile(`\bsubprocess\b`), "process spawn"},
	{regexp.MustCompile(`\bos\.exec[a-z]*\s*\(`), "process spawn"},
	{regexp.MustCompile(`open\s*\([^)]*,\s*["'][wax+]`), "write-mode file open"},
	{regexp.MustCompile(`open\s*\([^)]*mode\s*=\s*["'][wax+]`), "write-mode file open"},
}

// pythonImportAllowList holds the top-level modules a Code step may import.
var pythonImportAllowList = map[string]bool{
	"json": true, "math": true, "re": true, "string": true,
	"datetime": true, "time": true, "random": true, "collections": true,
	"itertools": true, "functools": true, "hashlib": true, "base64": true,
	"textwrap": true, "statistics": true, "uuid": true, "decimal": true,
	"fractions": true, "bisect": true, "heapq": true, "copy": true,
}

var pythonImportRe = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][\w.]*)`)

var javascriptBanned = []bannedCall{
	{regexp.MustCompile(`\beval\s*\(`), "dynamic eval"},
	{regexp.MustCompile(`\bnew\s+Function\s*\(`), "dynamic function construction"},
	{regexp.MustCompile(`\bFunction\s*\(`), "dynamic function construction"},
	{regexp.MustCompile(`\brequire\s*\(`), "module import"},
	{regexp.MustCompile(`\bimport\s*\(`), "dynamic import"},
	{regexp.MustCompile(`(?m)^\s*import\s`), "module import"},
	{regexp.MustCompile(`\bprocess\.`), "process access"},
	{regexp.MustCompile(`\bglobalThis\b`), "global scope access"},
	{regexp.MustCompile(`\bReflect\.`), "reflection"},
}

var shellBanned = []bannedCall{
	{regexp.MustCompile(`\beval\b`), "dynamic eval"},
	{regexp.MustCompile(`\bexec\b`), "dynamic exec"},
	{regexp.MustCompile(`(?i)\brm\s+-(rf|fr)\s+/(\s|$)`), "recursive root delete"},
	{regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`), "filesystem format"},
	{regexp.MustCompile(`(?i)\bdd\s+.*\bof=/dev/`), "raw device write"},
	{regexp.MustCompile(`(?i)\bsudo\b`), "privilege escalation"},
	{regexp.MustCompile(`(?i)curl[^|;&]*\|\s*(ba)?sh`), "pipe to shell"},
	{regexp.MustCompile(`(?i)wget[^|;&]*\|\s*(ba)?sh`), "pipe to shell"},
}

// CheckSource is the static security gate run before any process is spawned.
// It rejects source matching a banned-call pattern or importing outside the
// language's allow-list. Rejections are SAFETY_REJECTION errors: the code
// never ran and retrying would fail identically.
func CheckSource(language, source string) error {
	var banned []bannedCall
	switch language {
	case "python":
		banned = pythonBanned
	case "javascript":
		banned = javascriptBanned
	case "shell":
		banned = shellBanned
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unsupported sandbox language %q", language)
	}

	for _, b := range banned {
		if b.pattern.MatchString(source) {
			return schema.NewErrorf(schema.ErrCodeSafetyRejection,
				"code rejected by security gate: %s", b.reason).
				WithDetails(map[string]any{"language": language, "pattern": b.pattern.String()})
		}
	}

	if language == "python" {
		for _, m := range pythonImportRe.FindAllStringSubmatch(source, -1) {
			top := m[1]
			if i := strings.IndexByte(top, '.'); i >= 0 {
				top = top[:i]
			}
			if !pythonImportAllowList[top] {
				return schema.NewErrorf(schema.ErrCodeSafetyRejection,
					"code rejected by security gate: import of %q is not allowed", top).
					WithDetails(map[string]any{"language": language, "module": top})
			}
		}
	}

	return nil
}
