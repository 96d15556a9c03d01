/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the current version of Cadence.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/cadence/internal/version.Version=X.Y.Z
var Version = "0.1.0"

// Commit is the VCS revision, set via ldflags or read from build info.
var Commit = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"goVersion"`
}

// Get returns the build information.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, GoVersion: runtime.Version()}
	if info.Commit == "" {
		info.Commit = vcsRevision()
	}
	return info
}

// String renders the build information on one line.
func String() string {
	info := Get()
	if info.Commit == "" {
		return fmt.Sprintf("cadence %s (%s)", info.Version, info.GoVersion)
	}
	return fmt.Sprintf("cadence %s (%s, %s)", info.Version, shortRevision(info.Commit), info.GoVersion)
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
