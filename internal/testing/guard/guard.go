package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("STAFFDESK_TEST_MODE") == "" {
			_ = os.Setenv("STAFFDESK_TEST_MODE", "1")
		}
	})
}
