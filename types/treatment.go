package types

// Treatment is a named bundle of experiment parameters.
type Treatment struct {
	// Name uniquely identifies the treatment.
	Name string `json:"name"`

	// Params holds the treatment's parameter mapping.
	Params map[string]any `json:"params"`
}

// ResolvedTreatment is the effective treatment content of an instance: the
// ordered merge of its named treatments.
type ResolvedTreatment struct {
	// Names lists the merged treatments in merge order.
	Names []string `json:"names"`

	// Params is the merged parameter mapping.
	Params map[string]any `json:"params"`
}

// MergeTreatments merges treatments in order into a single resolved
// treatment. On key conflict, later entries override earlier entries.
func MergeTreatments(treatments []Treatment) ResolvedTreatment {
	resolved := ResolvedTreatment{
		Names:  make([]string, 0, len(treatments)),
		Params: make(map[string]any),
	}
	for _, t := range treatments {
		resolved.Names = append(resolved.Names, t.Name)
		for k, v := range t.Params {
			resolved.Params[k] = v
		}
	}

	return resolved
}
