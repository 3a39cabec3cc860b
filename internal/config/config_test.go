package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInferRole(t *testing.T) {
	tests := []struct {
		name string
		want Role
	}{
		{"idea-implementer", RoleImplementer},
		{"code-analyzer", RoleAnalyzer},
		{"branch-merger", RoleMerger},
		{"nightly-build", RoleBuilder},
		{"security-check", RoleScanner},
		{"dependency-audit", RoleScanner},
		{"repo-indexer", RoleIndexer},
		{"uptime-monitor", RoleMonitor},
		{"market-research", RoleResearcher},
		{"sprint-planner", RolePlanner},
		{"code-explainer", RoleFree},
		{"release-explanation", RoleFree},
		{"explain-then-plan", RolePlanner},
		{"security-scan-builder", RoleBuilder},
		{"plan-implementer", RoleImplementer},
		{"IDEA-Implementer", RoleImplementer},
		{"helper", RoleFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferRole(tt.name); got != tt.want {
				t.Fatalf("InferRole(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"a", "idea-implementer", "v1.2_x"} {
		if err := ValidateName(ok); err != nil {
			t.Fatalf("ValidateName(%q) = %v, want nil", ok, err)
		}
	}
	for _, bad := range []string{"", "../etc", "Upper", "-lead", "a/b", "with space"} {
		err := ValidateName(bad)
		if !IsValidation(err) {
			t.Fatalf("ValidateName(%q) = %v, want ValidationError", bad, err)
		}
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Enabled: true, MaxAttempts: 3, DelaySeconds: 10, ExponentialBackoff: true}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if !p.ShouldRetry(2) || p.ShouldRetry(3) {
		t.Fatalf("ShouldRetry bounds wrong for max_attempts=3")
	}
	flat := RetryPolicy{DelaySeconds: 5}
	if got := flat.Delay(4); got != 5*time.Second {
		t.Fatalf("flat Delay(4) = %v, want 5s", got)
	}
}

func TestPostRunAnalyzerMatches(t *testing.T) {
	var nilCfg *PostRunAnalyzer
	if nilCfg.Matches("success") {
		t.Fatal("nil analyzer should not match")
	}
	def := &PostRunAnalyzer{Agent: "code-analyzer"}
	if !def.Matches("success") || def.Matches("failed") {
		t.Fatal("default analyzer should match success only")
	}
	custom := &PostRunAnalyzer{Agent: "code-analyzer", On: []string{"failed", "timeout"}}
	if custom.Matches("success") || !custom.Matches("timeout") {
		t.Fatal("custom analyzer matched the wrong statuses")
	}
}

func TestStoreLoadSearchOrder(t *testing.T) {
	home := t.TempDir()
	s := NewStore(home)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	writeFile(t, filepath.Join(home, "agents", "analyzers", "code-analyzer.yaml"), "name: code-analyzer\nenabled: true\nmodel: from-role-dir\n")
	writeFile(t, filepath.Join(home, "teams", "alpha", "agents", "ana.yaml"), "name: ana\nenabled: true\n")
	writeFile(t, filepath.Join(home, "teams", "beta", "agents", "ana.yaml"), "name: ana\nmodel: beta\n")

	cfg, err := s.Load("code-analyzer")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "from-role-dir" || cfg.EffectiveRole() != RoleAnalyzer {
		t.Fatalf("Load() = %+v", cfg)
	}

	writeFile(t, filepath.Join(home, "agents", "code-analyzer.yaml"), "name: code-analyzer\nmodel: top-level\n")
	cfg, err = s.Load("code-analyzer")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "top-level" {
		t.Fatalf("model = %q, want top-level (agents/ searched first)", cfg.Model)
	}

	ana, err := s.Load("ana")
	if err != nil {
		t.Fatalf("Load(ana): %v", err)
	}
	if ana.Team != "alpha" {
		t.Fatalf("team = %q, want alpha (sorted team order)", ana.Team)
	}

	_, err = s.Load("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing) error = %v, want ErrNotFound", err)
	}
	_, err = s.Load("../escape")
	if !IsValidation(err) {
		t.Fatalf("Load(../escape) error = %v, want ValidationError", err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].Name != "ana" || all[1].Name != "code-analyzer" {
		t.Fatalf("List() names = %v", agentNames(all))
	}
}

func TestStoreSaveRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	in := &AgentConfig{
		Name:           "idea-implementer",
		Enabled:        true,
		TimeoutSeconds: 600,
		Triggers:       Triggers{PipelineStage: "implementer"},
		Concurrency:    Concurrency{QueueIfRunning: true},
		Retry:          RetryPolicy{Enabled: true, MaxAttempts: 2},
		CatchUp:        CatchUpRunOnce,
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("idea-implementer")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Timeout() != 10*time.Minute || !got.Concurrency.QueueIfRunning || got.EffectiveCatchUp() != CatchUpRunOnce {
		t.Fatalf("Load() = %+v", got)
	}
	found, err := s.FindByPipelineStage("implementer")
	if err != nil || found.Name != "idea-implementer" {
		t.Fatalf("FindByPipelineStage() = %v, %v", found, err)
	}
	impls, err := s.FindByRole(RoleImplementer)
	if err != nil || len(impls) != 1 {
		t.Fatalf("FindByRole() = %v, %v", agentNames(impls), err)
	}

	bad := &AgentConfig{Name: "x", CatchUp: "sometimes"}
	if err := s.Save(bad); !IsValidation(err) {
		t.Fatalf("Save(bad catch_up) = %v, want ValidationError", err)
	}
}

func TestLoadSchedulesIncludesLegacy(t *testing.T) {
	home := t.TempDir()
	s := NewStore(home)
	writeFile(t, filepath.Join(home, "agents", "nightly-build.yaml"), "name: nightly-build\nenabled: true\ntriggers:\n  cron: \"0 3 * * *\"\n")
	writeFile(t, filepath.Join(home, "agents", "old-scan.yaml"), "name: old-scan\nenabled: false\ntriggers:\n  cron: \"0 4 * * *\"\n")
	if err := s.SaveSchedule(ScheduleConfig{Name: "hourly-index", Cron: "0 * * * *", Agent: "repo-indexer", Enabled: true}); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}

	got, err := s.LoadSchedules()
	if err != nil {
		t.Fatalf("LoadSchedules: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadSchedules() = %+v, want 2 schedules", got)
	}
	if got[0].Name != "hourly-index" || got[0].Legacy {
		t.Fatalf("first schedule = %+v", got[0])
	}
	if got[1].Name != "nightly-build-legacy" || !got[1].Legacy || got[1].Cron != "0 3 * * *" {
		t.Fatalf("legacy schedule = %+v", got[1])
	}

	if err := s.DeleteSchedule("hourly-index"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if err := s.DeleteSchedule("hourly-index"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteSchedule = %v, want ErrNotFound", err)
	}
}

func TestTeamValidator(t *testing.T) {
	s := NewStore(t.TempDir())
	team := &TeamConfig{
		Name:      "research",
		Validator: "lead",
		Phases: []Phase{
			{Name: "Research", Owner: "ana"},
			{Name: "Planning", Owner: "bill", Validator: "carol"},
		},
	}
	if err := s.SaveTeam(team); err != nil {
		t.Fatalf("SaveTeam: %v", err)
	}
	got, err := s.LoadTeam("research")
	if err != nil {
		t.Fatalf("LoadTeam: %v", err)
	}
	if got.ValidatorFor("Research") != "lead" || got.ValidatorFor("Planning") != "carol" {
		t.Fatalf("validators = %q, %q", got.ValidatorFor("Research"), got.ValidatorFor("Planning"))
	}
	empty := &TeamConfig{Name: "empty"}
	if err := s.SaveTeam(empty); !IsValidation(err) {
		t.Fatalf("SaveTeam(no phases) = %v, want ValidationError", err)
	}
}

func TestLoadSettings(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvListen, "")

	s, err := LoadSettings(home)
	if err != nil {
		t.Fatalf("LoadSettings(defaults): %v", err)
	}
	if s != DefaultSettings() {
		t.Fatalf("defaults = %+v", s)
	}

	writeFile(t, filepath.Join(home, "config.yaml"), "poll_interval: 2s\nsession_backend: pty\nmax_concurrent_runs: 4\n")
	t.Setenv(EnvListen, "0.0.0.0:9000")
	s, err = LoadSettings(home)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.PollInterval != 2*time.Second || s.SessionBackend != BackendPTY || s.MaxConcurrentRuns != 4 || s.Listen != "0.0.0.0:9000" {
		t.Fatalf("settings = %+v", s)
	}

	writeFile(t, filepath.Join(home, "config.yaml"), "session_backend: screen\n")
	if _, err := LoadSettings(home); !IsValidation(err) {
		t.Fatalf("LoadSettings(bad backend) = %v, want ValidationError", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func agentNames(cfgs []*AgentConfig) []string {
	var names []string
	for _, c := range cfgs {
		names = append(names, c.Name)
	}
	return names
}
