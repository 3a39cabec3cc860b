package guardrail

import (
	"fmt"
	"strings"
	"testing"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
)

func toolLine(name, input string) []byte {
	return []byte(fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":%q,"input":%s}]}}`, name, input))
}

func TestNewMonitorNilWhenUnconfigured(t *testing.T) {
	if m := NewMonitor(config.Guardrails{}); m != nil {
		t.Fatalf("NewMonitor(empty) = %+v, want nil", m)
	}
	var m *Monitor
	if v := m.CheckLine(toolLine("Write", `{"file_path":"/x"}`)); v != nil {
		t.Fatalf("nil monitor reported %v", v)
	}
}

func TestAllowedTools(t *testing.T) {
	m := NewMonitor(config.Guardrails{AllowedTools: []string{"Read", "Grep"}})
	tests := []struct {
		tool    string
		wantBad bool
	}{
		{"Read", false},
		{"Grep", false},
		{"Write", true},
		{"Bash", true},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			v := m.CheckLine(toolLine(tt.tool, `{}`))
			if (v != nil) != tt.wantBad {
				t.Fatalf("CheckLine(%s) = %v, want violation=%v", tt.tool, v, tt.wantBad)
			}
		})
	}
}

func TestForbiddenPaths(t *testing.T) {
	m := NewMonitor(config.Guardrails{ForbiddenPaths: []string{".env", "secrets/**", "*.pem"}})
	tests := []struct {
		name    string
		line    []byte
		wantBad bool
	}{
		{"env file", toolLine("Read", `{"file_path":"/repo/.env"}`), true},
		{"secrets dir", toolLine("Edit", `{"file_path":"/repo/secrets/db.yaml"}`), true},
		{"pem glob", toolLine("Read", `{"file_path":"/repo/certs/server.pem"}`), true},
		{"bash cat secrets", toolLine("Bash", `{"command":"cat secrets/db.yaml"}`), true},
		{"normal file", toolLine("Edit", `{"file_path":"/repo/main.go"}`), false},
		{"plain text", []byte("editing .env now"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := m.CheckLine(tt.line)
			if (v != nil) != tt.wantBad {
				t.Fatalf("CheckLine() = %v, want violation=%v", v, tt.wantBad)
			}
		})
	}
}

func TestMaxFileEdits(t *testing.T) {
	m := NewMonitor(config.Guardrails{MaxFileEdits: 2})
	for i := 0; i < 2; i++ {
		if v := m.CheckLine(toolLine("Edit", `{"file_path":"/repo/a.go"}`)); v != nil {
			t.Fatalf("edit %d flagged: %v", i+1, v)
		}
	}
	if v := m.CheckLine(toolLine("Read", `{"file_path":"/repo/a.go"}`)); v != nil {
		t.Fatalf("read flagged: %v", v)
	}
	v := m.CheckLine(toolLine("Write", `{"file_path":"/repo/b.go"}`))
	if v == nil || !strings.Contains(v.String(), "more than 2 file edits") {
		t.Fatalf("third edit = %v, want max edits violation", v)
	}
	if m.Edits() != 3 {
		t.Fatalf("Edits() = %d, want 3", m.Edits())
	}
}
