package types

// GroupingMode selects how a batch sizes its experiment groups.
type GroupingMode string

// Grouping modes.
const (
	// GroupingBySize caps every assignable instance at GroupValue members.
	GroupingBySize GroupingMode = "groupSize"

	// GroupingByCount distributes participants across a fixed instance set.
	GroupingByCount GroupingMode = "groupCount"

	// GroupingNone leaves sizing entirely to the installed assigner.
	GroupingNone GroupingMode = "none"
)

// BatchRecord is the persisted state of one experiment campaign.
type BatchRecord struct {
	// BatchID uniquely identifies the batch.
	BatchID string `json:"batchId"`

	// Active gates connection handling; inactive batches reject connections.
	Active bool `json:"active"`

	// GroupingMode selects the sizing scheme.
	GroupingMode GroupingMode `json:"groupingMode"`

	// GroupValue is the per-instance capacity (GroupingBySize only).
	GroupValue int `json:"groupVal,omitempty"`

	// ExperimentIDs is the fixed instance set (GroupingByCount only).
	ExperimentIDs []string `json:"experimentIds,omitempty"`

	// TreatmentIDs names the treatments applied to instances this batch creates.
	TreatmentIDs []string `json:"treatmentIds,omitempty"`
}

// GroupConfig describes one stage of a multi-group assignment sequence.
type GroupConfig struct {
	// Treatments is the ordered treatment list for the stage's instance.
	Treatments []string `json:"treatments"`

	// Size is the stage capacity. Zero means absorbing: the stage is always
	// eligible and never considered full.
	Size int `json:"size,omitempty"`
}

// Absorbing reports whether the stage accepts unbounded membership.
func (c GroupConfig) Absorbing() bool {
	return c.Size <= 0
}
