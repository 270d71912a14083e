package ring

import (
	"testing"

	"go.uber.org/goleak"
)

// Every blocking path in this package must be force-returnable; a test
// that leaves a goroutine parked on a condition variable is a bug here,
// not in the test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
