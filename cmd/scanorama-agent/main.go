package main

import (
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/anstrom/scanorama-agent/cmd/cli"
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	_, _ = maxprocs.Set()

	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
