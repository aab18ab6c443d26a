package app

import (
	"os"
	"sync/atomic"
)

// TestModeEnv set to "1" makes the binaries return before opening any
// connection.
const TestModeEnv = "GATEKEEPER_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports the flag as read on first use or by the last
// RefreshTestMode.
func InTestMode() bool {
	if on := testMode.Load(); on != nil {
		return *on
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads TestModeEnv.
func RefreshTestMode() bool {
	on := os.Getenv(TestModeEnv) == "1"
	testMode.Store(&on)
	return on
}
