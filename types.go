package turkserver

import "github.com/amaatouq/turkserver/types"

// Re-export types from the types subpackage.
//
// Type aliases give applications a stable single-import API while internal
// packages depend on `types` without importing the root, avoiding import
// cycles.
type (
	// Store is the revisioned key-value store backing all durable records.
	Store = types.Store

	// Connection is a notification from the external connection layer.
	Connection = types.Connection

	// BatchRecord is the persisted state of one experiment campaign.
	BatchRecord = types.BatchRecord

	// InstanceRecord is the persisted state of one experiment group.
	InstanceRecord = types.InstanceRecord

	// AssignmentRecord is a participant's durable participation record.
	AssignmentRecord = types.AssignmentRecord

	// Treatment is a named parameter set applied to experiment instances.
	Treatment = types.Treatment

	// GroupConfig describes one stage of a multi-group assignment sequence.
	GroupConfig = types.GroupConfig

	// GroupingMode selects how a batch sizes its experiment groups.
	GroupingMode = types.GroupingMode

	// WorkerState is a worker's position in the participation lifecycle.
	WorkerState = types.WorkerState
)

// Re-export interfaces from the types subpackage for convenience.
type (
	Logger           = types.Logger
	MetricsCollector = types.MetricsCollector
	EventSink        = types.EventSink
	Authorizer       = types.Authorizer
	AuthorizerFunc   = types.AuthorizerFunc
)

// Re-export GroupingMode constants.
const (
	GroupingBySize  = types.GroupingBySize
	GroupingByCount = types.GroupingByCount
	GroupingNone    = types.GroupingNone
)

// Re-export WorkerState constants.
const (
	WorkerUnassigned = types.WorkerUnassigned
	WorkerLobby      = types.WorkerLobby
	WorkerExperiment = types.WorkerExperiment
	WorkerExitSurvey = types.WorkerExitSurvey
)
