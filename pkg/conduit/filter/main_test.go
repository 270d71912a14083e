package filter

import (
	"testing"

	"go.uber.org/goleak"
)

// Stop must join the worker; a leaked worker goroutine after any test in
// this package is a lifecycle bug.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
