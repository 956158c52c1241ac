// Package testing provides test utilities for the turkserver library.
//
// It follows Go's convention of a dedicated testing-helpers package (similar
// to net/http/httptest). The main helper is StartEmbeddedNATS, an in-process
// NATS server with JetStream used by the store/natskv, lobby bridge and
// event sink integration tests.
//
// Example usage:
//
//	import (
//	    "testing"
//	    tstesting "github.com/amaatouq/turkserver/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := tstesting.StartEmbeddedNATS(t)
//	    // Use nc for your tests
//	}
package testing
