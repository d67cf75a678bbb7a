// Command graphctl maintains a session graph store: migrations, stats,
// keyword search, path finding, version history and rebuilds.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
var Version = "0.0.0-dev"

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
