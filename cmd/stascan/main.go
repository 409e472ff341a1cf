// Command stascan runs and controls the wireless station scan coordinator.
package main

import (
	"github.com/anstrom/stascan/cmd/cli"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
