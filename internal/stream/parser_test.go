package stream

import (
	"strings"
	"testing"
)

const testNDJSON = `{"type":"system","subtype":"init","session_id":"abc123","model":"claude-sonnet-4-5"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Edit","id":"t1","input":{"file_path":"/repo/main.go"}},{"type":"tool_use","name":"Bash","id":"t2","input":{"command":"go test ./..."}}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"All tests pass."}]}}
plain line from a wrapper
{"type":"result","subtype":"success","is_error":false,"total_cost_usd":0.08,"num_turns":3,"result":"Done: {\"verdict\":\"complete\"}"}
`

func TestSummarize(t *testing.T) {
	s, err := Summarize(strings.NewReader(testNDJSON))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.SessionID != "abc123" {
		t.Errorf("SessionID = %q, want abc123", s.SessionID)
	}
	if s.CostUSD != 0.08 {
		t.Errorf("CostUSD = %v, want 0.08", s.CostUSD)
	}
	for _, want := range []string{"[tool:Edit]", "All tests pass.", "plain line from a wrapper", `{"verdict":"complete"}`} {
		if !strings.Contains(s.Text, want) {
			t.Errorf("Text missing %q:\n%s", want, s.Text)
		}
	}
}

func TestToolUses(t *testing.T) {
	lines := strings.Split(testNDJSON, "\n")
	uses := ToolUses([]byte(lines[1]))
	if len(uses) != 2 {
		t.Fatalf("ToolUses() = %+v, want 2 entries", uses)
	}
	if uses[0].Name != "Edit" || uses[0].Path != "/repo/main.go" {
		t.Errorf("uses[0] = %+v", uses[0])
	}
	if uses[1].Name != "Bash" || uses[1].Command != "go test ./..." {
		t.Errorf("uses[1] = %+v", uses[1])
	}
	if got := ToolUses([]byte("not json")); got != nil {
		t.Errorf("ToolUses(text) = %+v, want nil", got)
	}
}

func TestReadableTextStripsANSI(t *testing.T) {
	got := ReadableText([]byte("\x1b[1;32mok\x1b[0m\r\n"))
	if got != "ok" {
		t.Fatalf("ReadableText() = %q, want ok", got)
	}
	if got := ReadableText([]byte(`{"type":"system","subtype":"init"}`)); got != "" {
		t.Fatalf("ReadableText(system) = %q, want empty", got)
	}
}
