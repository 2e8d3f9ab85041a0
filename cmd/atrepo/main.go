// Command atrepo manages signed, content-addressed account repositories:
// it creates commits, exports and imports CAR files and mounts a
// repository read-only.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
