package config

// TeamConfig groups agents into an ordered list of phases. Stored as
// teams/<team>/team.yaml, with the team's agents in teams/<team>/agents/.
type TeamConfig struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Project     string  `yaml:"project,omitempty" json:"project,omitempty"`
	DocsPath    string  `yaml:"docs_path,omitempty" json:"docs_path,omitempty"`
	Validator   string  `yaml:"validator,omitempty" json:"validator,omitempty"`
	Phases      []Phase `yaml:"phases" json:"phases"`
}

// Phase is one step of a team workflow.
type Phase struct {
	Name      string `yaml:"name" json:"name"`
	Owner     string `yaml:"owner" json:"owner"`
	Validator string `yaml:"validator,omitempty" json:"validator,omitempty"`
}

// ValidatorFor returns the agent validating phase, falling back to the team default.
func (t *TeamConfig) ValidatorFor(phase string) string {
	for _, p := range t.Phases {
		if p.Name == phase && p.Validator != "" {
			return p.Validator
		}
	}
	return t.Validator
}

// Validate requires at least one phase, each with a name and an owner.
func (t *TeamConfig) Validate() error {
	if err := ValidateName(t.Name); err != nil {
		return err
	}
	if len(t.Phases) == 0 {
		return &ValidationError{Field: "phases", Value: t.Name, Reason: "team has no phases"}
	}
	seen := make(map[string]bool, len(t.Phases))
	for _, p := range t.Phases {
		if p.Name == "" || p.Owner == "" {
			return &ValidationError{Field: "phase", Value: p.Name, Reason: "phase needs a name and an owner"}
		}
		if seen[p.Name] {
			return &ValidationError{Field: "phase", Value: p.Name, Reason: "duplicate phase name"}
		}
		seen[p.Name] = true
	}
	return nil
}
