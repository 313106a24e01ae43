package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanAssignments(t *testing.T) {
	out := "building...\nresult=42\nexport NAME=angela\nquoted=\"hello world\"\nnot a binding\n"
	bindings := ScanAssignments(out)

	assert.Equal(t, "42", bindings["result"])
	assert.Equal(t, "angela", bindings["NAME"])
	assert.Equal(t, "hello world", bindings["quoted"])
	assert.NotContains(t, bindings, "not a binding")
	assert.Len(t, bindings, 3)
}

func TestScanAssignments_IgnoresInvalidNames(t *testing.T) {
	bindings := ScanAssignments("9lives=no\n-flag=no\nok_1=yes\n")
	assert.Equal(t, map[string]any{"ok_1": "yes"}, bindings)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestShellValue(t *testing.T) {
	assert.Equal(t, "text", shellValue("text"))
	assert.Equal(t, "3", shellValue(3))
	assert.Equal(t, "true", shellValue(true))
	assert.Equal(t, "", shellValue(nil))
	assert.Equal(t, `{"k":"v"}`, shellValue(map[string]any{"k": "v"}))
}
