// cryoprocess - pipeline orchestrator for cryo-EM movie processing
package main

import (
	"os"

	"github.com/krpothula/cryoprocess-sub001/internal/cli"
	"github.com/krpothula/cryoprocess-sub001/internal/version"
)

// Version information, overridden by ldflags in release builds.
var (
	Version   = "v0.3.0-dev"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
