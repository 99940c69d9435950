// SPDX-License-Identifier: Apache-2.0

// Package version reports the running build's version string for the
// "version" subcommand and for inclusion in the service's own startup log
// line.
package version

import "runtime/debug"

// buildVersion is typically overwritten with -ldflags during a release
// build; "devel" covers local builds.
var buildVersion = "devel"

func GetVersion() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if buildInfo.Main.Version == "(devel)" || buildInfo.Main.Version == "" {
		return buildVersion
	}

	return buildInfo.Main.Version
}
