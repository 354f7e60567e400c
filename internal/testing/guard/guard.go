// Package guard switches the process into test mode on import so command
// packages can be exercised without opening database or queue connections.
package guard

import (
	"os"
	"sync"
)

const testModeEnv = "TAXCLOSE_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(testModeEnv) == "" {
			_ = os.Setenv(testModeEnv, "1")
		}
	})
}
