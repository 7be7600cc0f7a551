// Package buildinfo exposes version metadata stamped at link time.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Overridden with -ldflags at release builds. Development builds
// report "dev" and "unknown".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Uptime reports how long the process has been running, truncated to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// Info collects build and runtime metadata for the version command and
// the health RPC.
func Info() map[string]string {
	m := map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
	m["uptime"] = Uptime().String()
	return m
}

// String formats a single-line banner suitable for startup logs.
func String() string {
	return fmt.Sprintf("Harbinger %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
