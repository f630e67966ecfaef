// Package envfile loads operator-supplied .env files before config
// resolution, so provider API keys are in the environment before any
// agent or judge subprocess starts.
package envfile

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load reads .env.local then .env from the current directory, letting
// .env.local win on conflicting keys since godotenv.Load never
// overwrites a variable already set in the process environment. A
// missing file is not an error; a malformed one is.
func Load() error {
	for _, path := range []string{".env.local", ".env"} {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}
