package config

// ScheduleConfig binds a cron expression to an agent. Stored as
// schedules/<name>.yaml; Cron is kept in the 5-field form users write.
type ScheduleConfig struct {
	Name        string `yaml:"name" json:"name"`
	Cron        string `yaml:"cron" json:"cron"`
	Agent       string `yaml:"agent" json:"agent"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Legacy marks the implicit schedule derived from triggers.cron.
	Legacy bool `yaml:"-" json:"legacy,omitempty"`
}

// LegacyScheduleName is the name of the implicit schedule of agent.
func LegacyScheduleName(agent string) string {
	return agent + "-legacy"
}

// Validate checks the name and agent reference. Cron syntax is checked by
// the scheduler, which owns the parser.
func (s *ScheduleConfig) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if s.Agent == "" {
		return &ValidationError{Field: "agent", Reason: "schedule must name an agent"}
	}
	if err := ValidateName(s.Agent); err != nil {
		return err
	}
	if s.Cron == "" {
		return &ValidationError{Field: "cron", Reason: "expression is empty"}
	}
	return nil
}
