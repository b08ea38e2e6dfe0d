package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("TRACELINE_TEST_MODE") == "" {
			_ = os.Setenv("TRACELINE_TEST_MODE", "1")
		}
	})
}
