package turkserver

import (
	"fmt"

	"github.com/amaatouq/turkserver/types"
)

// DefaultBatchID is the batch ID used when none is configured.
const DefaultBatchID = "default"

// Config is the configuration for a Batch.
type Config struct {
	// BatchID uniquely identifies the batch. Defaults to "default".
	BatchID string `yaml:"batchId"`

	// Active gates connection handling; an inactive batch rejects every
	// connection with ErrBatchInactive.
	Active bool `yaml:"active"`

	// GroupingMode selects the sizing scheme. Defaults to GroupingNone,
	// which leaves sizing entirely to the installed assigner.
	GroupingMode GroupingMode `yaml:"groupingMode"`

	// GroupValue is the per-instance capacity. Required (and only used)
	// under GroupingBySize.
	GroupValue int `yaml:"groupVal"`

	// ExperimentIDs is the fixed instance set. Required (and only used)
	// under GroupingByCount.
	ExperimentIDs []string `yaml:"experimentIds"`

	// TreatmentIDs names the treatments applied to instances created on the
	// batch's behalf.
	TreatmentIDs []string `yaml:"treatmentIds"`
}

// DefaultConfig returns an active batch configuration with default settings.
func DefaultConfig() *Config {
	return &Config{
		BatchID:      DefaultBatchID,
		Active:       true,
		GroupingMode: GroupingNone,
	}
}

// SetDefaults fills zero-valued fields with defaults.
func (c *Config) SetDefaults() {
	if c.BatchID == "" {
		c.BatchID = DefaultBatchID
	}
	if c.GroupingMode == "" {
		c.GroupingMode = GroupingNone
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.GroupingMode {
	case GroupingBySize:
		if c.GroupValue <= 0 {
			return fmt.Errorf("%w: grouping mode %q needs a positive group value, got %d",
				ErrInvalidConfig, c.GroupingMode, c.GroupValue)
		}
	case GroupingByCount:
		if len(c.ExperimentIDs) == 0 {
			return fmt.Errorf("%w: grouping mode %q needs at least one experiment ID",
				ErrInvalidConfig, c.GroupingMode)
		}
	case GroupingNone:
	default:
		return fmt.Errorf("%w: unknown grouping mode %q", ErrInvalidConfig, c.GroupingMode)
	}

	return nil
}

// record converts the configuration into its persisted form.
func (c *Config) record() types.BatchRecord {
	return types.BatchRecord{
		BatchID:       c.BatchID,
		Active:        c.Active,
		GroupingMode:  c.GroupingMode,
		GroupValue:    c.GroupValue,
		ExperimentIDs: c.ExperimentIDs,
		TreatmentIDs:  c.TreatmentIDs,
	}
}
