// Package assigner implements the pluggable assignment policies that decide
// where a connecting participant goes: into an experiment instance, back to
// the lobby, or on to the exit survey.
//
// A policy is installed on a batch and attached to its runtime environment
// (store-backed experiment manager, lobby, batch record). Attachment is where
// a policy recovers its progress from stored instance records and subscribes
// to the lobby signals it reacts to, so a process restart resumes exactly
// where the previous process stopped.
//
// Four policies ship with the package:
//
//   - Sequential fills assignable instances in creation order and creates a
//     new one when all are full.
//   - RoundRobin balances participants across a fixed instance set and never
//     creates instances.
//   - TutorialGroup sends newcomers through a shared tutorial instance, then
//     groups tutorial graduates on an external auto-assign signal.
//   - TutorialMultiGroup sends newcomers through a tutorial, then walks
//     graduates through an ordered sequence of sized group stages.
package assigner
