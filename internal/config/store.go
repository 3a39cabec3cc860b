// Package config reads and writes nolan's human-editable definitions: agents,
// schedules, teams and the engine settings, all YAML under $NOLAN_HOME.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
)

// Store is the ConfigStore rooted at a nolan home directory.
type Store struct {
	home string
}

// NewStore returns a Store for home. It does not touch the filesystem.
func NewStore(home string) *Store {
	return &Store{home: home}
}

// Home returns the root directory.
func (s *Store) Home() string { return s.home }

func (s *Store) agentsDir() string    { return filepath.Join(s.home, "agents") }
func (s *Store) schedulesDir() string { return filepath.Join(s.home, "schedules") }
func (s *Store) teamsDir() string     { return filepath.Join(s.home, "teams") }

// Init creates the directory layout.
func (s *Store) Init() error {
	dirs := []string{s.agentsDir(), s.schedulesDir(), s.teamsDir()}
	for _, d := range roleDirs {
		dirs = append(dirs, filepath.Join(s.agentsDir(), d))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Load finds an agent by name. It looks in agents/, then each role
// subdirectory, then every team's agents/ directory in sorted team order.
func (s *Store) Load(name string) (*AgentConfig, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	for _, c := range s.candidates(name) {
		cfg, err := readAgent(c.path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cfg.Team = c.team
		if cfg.Name == "" {
			cfg.Name = name
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
}

type candidate struct {
	path string
	team string
}

func (s *Store) candidates(name string) []candidate {
	file := name + ".yaml"
	out := []candidate{{path: filepath.Join(s.agentsDir(), file)}}
	for _, d := range roleDirs {
		out = append(out, candidate{path: filepath.Join(s.agentsDir(), d, file)})
	}
	for _, team := range s.teamNames() {
		out = append(out, candidate{path: filepath.Join(s.teamsDir(), team, "agents", file), team: team})
	}
	return out
}

// Save writes cfg back to the file it came from, or to agents/<name>.yaml
// (teams/<team>/agents/<name>.yaml for team agents) when it is new.
func (s *Store) Save(cfg *AgentConfig) error {
	if cfg == nil {
		return &ValidationError{Field: "agent", Reason: "nil config"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	path := cfg.Path
	if path == "" {
		if existing, err := s.Load(cfg.Name); err == nil {
			path = existing.Path
		} else if cfg.Team != "" {
			path = filepath.Join(s.teamsDir(), cfg.Team, "agents", cfg.Name+".yaml")
		} else {
			path = filepath.Join(s.agentsDir(), cfg.Name+".yaml")
		}
	}
	if err := writeYAML(path, cfg); err != nil {
		return err
	}
	cfg.Path = path
	debug.LogKV("config", "agent saved", "agent", cfg.Name, "path", path)
	return nil
}

// List returns every agent, sorted by name. A name defined in more than one
// place resolves the same way Load does.
func (s *Store) List() ([]*AgentConfig, error) {
	seen := make(map[string]bool)
	var out []*AgentConfig
	scan := func(dir, team string) error {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".yaml")
			if seen[name] {
				continue
			}
			cfg, err := readAgent(filepath.Join(dir, e.Name()))
			if err != nil {
				debug.LogKV("config", "skipping unreadable agent", "path", filepath.Join(dir, e.Name()), "error", err)
				continue
			}
			if cfg.Name == "" {
				cfg.Name = name
			}
			cfg.Team = team
			seen[name] = true
			out = append(out, cfg)
		}
		return nil
	}

	if err := scan(s.agentsDir(), ""); err != nil {
		return nil, err
	}
	for _, d := range roleDirs {
		if err := scan(filepath.Join(s.agentsDir(), d), ""); err != nil {
			return nil, err
		}
	}
	for _, team := range s.teamNames() {
		if err := scan(filepath.Join(s.teamsDir(), team, "agents"), team); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FindByRole returns the agents whose effective role is role.
func (s *Store) FindByRole(role Role) ([]*AgentConfig, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*AgentConfig
	for _, a := range all {
		if a.EffectiveRole() == role {
			out = append(out, a)
		}
	}
	return out, nil
}

// FindByPipelineStage returns the first agent (by name) declaring
// triggers.pipeline_stage == stage.
func (s *Store) FindByPipelineStage(stage string) (*AgentConfig, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		if a.Triggers.PipelineStage == stage {
			return a, nil
		}
	}
	return nil, fmt.Errorf("pipeline stage %q agent: %w", stage, ErrNotFound)
}

// LoadSchedules returns every stored schedule plus the implicit legacy
// schedule of each enabled agent with triggers.cron set.
func (s *Store) LoadSchedules() ([]ScheduleConfig, error) {
	entries, err := os.ReadDir(s.schedulesDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var out []ScheduleConfig
	names := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		var sc ScheduleConfig
		if err := readYAML(filepath.Join(s.schedulesDir(), e.Name()), &sc); err != nil {
			debug.LogKV("config", "skipping unreadable schedule", "file", e.Name(), "error", err)
			continue
		}
		if sc.Name == "" {
			sc.Name = strings.TrimSuffix(e.Name(), ".yaml")
		}
		names[sc.Name] = true
		out = append(out, sc)
	}

	agents, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if !a.Enabled || strings.TrimSpace(a.Triggers.Cron) == "" {
			continue
		}
		name := LegacyScheduleName(a.Name)
		if names[name] {
			continue
		}
		out = append(out, ScheduleConfig{
			Name:    name,
			Cron:    a.Triggers.Cron,
			Agent:   a.Name,
			Enabled: true,
			Legacy:  true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LoadSchedule reads one stored schedule.
func (s *Store) LoadSchedule(name string) (*ScheduleConfig, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var sc ScheduleConfig
	err := readYAML(filepath.Join(s.schedulesDir(), name+".yaml"), &sc)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("schedule %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if sc.Name == "" {
		sc.Name = name
	}
	return &sc, nil
}

// SaveSchedule writes schedules/<name>.yaml.
func (s *Store) SaveSchedule(sc ScheduleConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	return writeYAML(filepath.Join(s.schedulesDir(), sc.Name+".yaml"), sc)
}

// DeleteSchedule removes schedules/<name>.yaml.
func (s *Store) DeleteSchedule(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.schedulesDir(), name+".yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("schedule %q: %w", name, ErrNotFound)
	}
	return err
}

// LoadTeam reads teams/<name>/team.yaml.
func (s *Store) LoadTeam(name string) (*TeamConfig, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var t TeamConfig
	err := readYAML(filepath.Join(s.teamsDir(), name, "team.yaml"), &t)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("team %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if t.Name == "" {
		t.Name = name
	}
	return &t, nil
}

// SaveTeam writes teams/<name>/team.yaml.
func (s *Store) SaveTeam(t *TeamConfig) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return writeYAML(filepath.Join(s.teamsDir(), t.Name, "team.yaml"), t)
}

// ListTeams returns every readable team, sorted by name.
func (s *Store) ListTeams() ([]*TeamConfig, error) {
	var out []*TeamConfig
	for _, name := range s.teamNames() {
		t, err := s.LoadTeam(name)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				debug.LogKV("config", "skipping unreadable team", "team", name, "error", err)
			}
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) teamNames() []string {
	entries, err := os.ReadDir(s.teamsDir())
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func readAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Path = path
	return &cfg, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// writeYAML replaces path atomically (temp file + rename).
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
