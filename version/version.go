// Package version holds build metadata injected through -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Overridden at build time:
//
//	go build -ldflags "-X github.com/jackzampolin/newsreel/version.GitRelease=v0.1.0"
var (
	GitRelease    = "dev"
	GitCommit     = "unknown"
	GitCommitDate = "unknown"
)

// GoInfo describes the toolchain and platform the binary was built for.
var GoInfo = fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
