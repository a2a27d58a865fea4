package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/tally/pkg/models"
)

// scoringTable is the YAML layout of a scoring table file:
//
//	global_daily_cap: 500
//	periods: [weekly, global]
//	actions:
//	  task_completed: {base_points: 10, cap_per_day: 200, source_required: true}
//	thresholds:
//	  - {from: 1, to: 5, multiplier: 1.0}
//	  - {from: 6, multiplier: 0.5}
type scoringTable struct {
	GlobalDailyCap *float64                                   `yaml:"global_daily_cap"`
	Actions        map[models.ActionType]models.ActionConfig `yaml:"actions"`
	Thresholds     []models.DiminishingThreshold             `yaml:"thresholds"`
	Periods        []models.PeriodKind                       `yaml:"periods"`
}

// LoadScoringConfig builds the scoring table. An empty path returns the
// shipped table. Sections omitted from the file keep their shipped values.
func LoadScoringConfig(path string) (*models.ScoringConfig, error) {
	if path == "" {
		return models.DefaultScoringConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scoring table: %w", err)
	}
	return ParseScoringConfig(data)
}

// ParseScoringConfig parses a YAML scoring table.
func ParseScoringConfig(data []byte) (*models.ScoringConfig, error) {
	var table scoringTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse scoring table: %w", err)
	}

	defaults := models.DefaultScoringConfig()

	actions := table.Actions
	if actions == nil {
		actions = defaults.Actions()
	}
	thresholds := table.Thresholds
	if thresholds == nil {
		thresholds = defaults.Thresholds()
	}
	periods := table.Periods
	if periods == nil {
		periods = defaults.Periods()
	}
	globalCap := defaults.GlobalDailyCap()
	if table.GlobalDailyCap != nil {
		globalCap = *table.GlobalDailyCap
	}

	cfg, err := models.NewScoringConfig(actions, thresholds, globalCap, periods)
	if err != nil {
		return nil, fmt.Errorf("scoring table: %w", err)
	}
	return cfg, nil
}
