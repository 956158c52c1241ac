// Package experiment implements the instance lifecycle manager: creation and
// atomic get-or-create lookup of experiment group instances, membership
// admission, treatment resolution and teardown routing.
//
// All state mutations are expressed as revision-guarded updates against the
// shared store, so concurrent admissions for the same group are serialized
// by the store rather than by an application lock alone. A per-instance
// mutex additionally keeps in-process admissions to one in flight per group.
package experiment
