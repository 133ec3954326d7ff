// Package version reports the build identity of the relayd binary.
package version

import "runtime/debug"

// Name is the binary name carried in version strings and log lines.
const Name = "relayd"

// commit may be injected with -ldflags for builds without VCS stamps,
// e.g. container builds from an exported source tree.
var commit string

// Commit is the short revision this binary was built from. "dev" when
// neither an injected value nor VCS build info is available, as under
// `go test`.
var Commit = resolveCommit()

func resolveCommit() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full formats the identity as "relayd/<commit>" for log lines and
// user-agent strings.
func Full() string {
	return Name + "/" + Commit
}
