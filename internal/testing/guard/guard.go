// Package guard is blank-imported by tests that must never reach live
// services. It forces test mode and drops broker addresses inherited from
// the developer's shell.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("PRICEWATCH_TEST_MODE") == "" {
			_ = os.Setenv("PRICEWATCH_TEST_MODE", "1")
		}
		if os.Getenv("KAFKA_BROKERS") != "" {
			_ = os.Unsetenv("KAFKA_BROKERS")
		}
	})
}
