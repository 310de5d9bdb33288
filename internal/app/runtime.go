package app

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

const testModeEnv = "PRICEWATCH_TEST_MODE"

// testMode caches the parsed flag; nil means not read yet.
var testMode atomic.Pointer[bool]

func readTestMode() bool {
	on, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(testModeEnv)))
	return err == nil && on
}

// InTestMode reports whether PRICEWATCH_TEST_MODE is set to a true value.
// Commands check it to skip opening databases, brokers and listeners.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	on := readTestMode()
	testMode.CompareAndSwap(nil, &on)
	return *testMode.Load()
}

// RefreshTestMode re-reads the flag after the environment changed.
func RefreshTestMode() {
	on := readTestMode()
	testMode.Store(&on)
}
