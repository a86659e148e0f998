// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags -X at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Build describes the running binary.
type Build struct {
	Version string
	Commit  string
	Dirty   bool
	Time    string
	Go      string
}

// Current returns the build stamped into this binary.
func Current() Build {
	return Build{
		Version: Version,
		Commit:  GitCommit,
		Dirty:   GitDirty == "true",
		Time:    BuildTime,
		Go:      runtime.Version(),
	}
}

// String formats the build as "0.1.0-dev (abc1234-dirty, <time>, go1.26)".
func (b Build) String() string {
	commit := b.Commit
	if b.Dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s, %s)", b.Version, commit, b.Time, b.Go)
}

// Banner returns the line a binary prints for --version.
func Banner(binary string) string {
	return binary + " " + Current().String()
}
