package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

// Store keeps one JSON file per pipeline id: pipelines/<id>.json for linear
// pipelines and team-pipelines/<id>.json for team ones.
type Store struct {
	linearDir string
	teamDir   string
}

// NewStore returns a store under a nolan home directory.
func NewStore(home string) *Store {
	return &Store{
		linearDir: filepath.Join(home, "pipelines"),
		teamDir:   filepath.Join(home, "team-pipelines"),
	}
}

func (s *Store) path(dir, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	return filepath.Join(dir, id+".json"), nil
}

// SavePipeline replaces the pipeline's file.
func (s *Store) SavePipeline(p *Pipeline) error {
	path, err := s.path(s.linearDir, p.ID)
	if err != nil {
		return err
	}
	return store.WriteJSON(path, p)
}

// LoadPipeline reads a linear pipeline.
func (s *Store) LoadPipeline(id string) (*Pipeline, error) {
	path, err := s.path(s.linearDir, id)
	if err != nil {
		return nil, err
	}
	var p Pipeline
	if err := store.ReadJSON(path, &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// SaveTeamPipeline replaces the team pipeline's file.
func (s *Store) SaveTeamPipeline(tp *TeamPipeline) error {
	path, err := s.path(s.teamDir, tp.ID)
	if err != nil {
		return err
	}
	return store.WriteJSON(path, tp)
}

// LoadTeamPipeline reads a team pipeline.
func (s *Store) LoadTeamPipeline(id string) (*TeamPipeline, error) {
	path, err := s.path(s.teamDir, id)
	if err != nil {
		return nil, err
	}
	var tp TeamPipeline
	if err := store.ReadJSON(path, &tp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("team pipeline %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &tp, nil
}

// ListPipelines returns every linear pipeline, newest first.
func (s *Store) ListPipelines() ([]*Pipeline, error) {
	ids, err := listIDs(s.linearDir)
	if err != nil {
		return nil, err
	}
	out := make([]*Pipeline, 0, len(ids))
	for _, id := range ids {
		p, err := s.LoadPipeline(id)
		if err != nil {
			debug.LogKV("pipeline", "skipping unreadable pipeline", "id", id, "error", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListTeamPipelines returns every team pipeline, newest first.
func (s *Store) ListTeamPipelines() ([]*TeamPipeline, error) {
	ids, err := listIDs(s.teamDir)
	if err != nil {
		return nil, err
	}
	out := make([]*TeamPipeline, 0, len(ids))
	for _, id := range ids {
		tp, err := s.LoadTeamPipeline(id)
		if err != nil {
			debug.LogKV("pipeline", "skipping unreadable team pipeline", "id", id, "error", err)
			continue
		}
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Summaries lists pipelines of both shapes, newest first.
func (s *Store) Summaries() ([]Summary, error) {
	linear, err := s.ListPipelines()
	if err != nil {
		return nil, err
	}
	team, err := s.ListTeamPipelines()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(linear)+len(team))
	created := make(map[string]time.Time, cap(out))
	for _, p := range linear {
		out = append(out, p.Summary())
		created[p.ID] = p.CreatedAt
	}
	for _, tp := range team {
		out = append(out, tp.Summary())
		created[tp.ID] = tp.CreatedAt
	}
	sort.Slice(out, func(i, j int) bool { return created[out[i].ID].After(created[out[j].ID]) })
	return out, nil
}

func listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
