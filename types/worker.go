package types

// WorkerState tracks a participant through the experiment lifecycle.
//
// State machine:
//
//	unassigned → experiment   (connect, routed directly)
//	unassigned → lobby        (connect, routed to lobby)
//	lobby      → experiment   (auto-assign eligible)
//	experiment → lobby        (teardown, below completion limit)
//	experiment → exitsurvey   (teardown, completion limit reached; terminal)
type WorkerState string

// Worker states.
const (
	WorkerUnassigned WorkerState = "unassigned"
	WorkerLobby      WorkerState = "lobby"
	WorkerExperiment WorkerState = "experiment"
	WorkerExitSurvey WorkerState = "exitsurvey"
)

// WorkerRecord is the persisted global state of one marketplace worker.
type WorkerRecord struct {
	// WorkerID is the marketplace worker ID.
	WorkerID string `json:"workerId"`

	// State is the worker's position in the participant lifecycle.
	State WorkerState `json:"state"`
}
