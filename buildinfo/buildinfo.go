package buildinfo

import (
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

var (
	buildInfo      *debug.BuildInfo
	buildInfoValid bool
	readBuildInfo  sync.Once

	version     string
	readVersion sync.Once

	// Injected with ldflags at build!
	tag string
)

// Version returns the semantic version of the build, with the short VCS
// revision appended as build metadata when known.
func Version() string {
	readVersion.Do(func() {
		rev, valid := Revision()
		if valid && len(rev) >= 7 {
			rev = "+" + rev[:7]
		} else {
			rev = ""
		}
		if tag == "" {
			version = "v0.0.0-devel" + rev
			return
		}
		v := tag
		if v[0] != 'v' {
			v = "v" + v
		}
		if !semver.IsValid(v) {
			version = "v0.0.0-devel" + rev
			return
		}
		if semver.Build(v) == "" {
			v += rev
		}
		version = v
	})
	return version
}

// Time returns when the Git revision was published.
func Time() (time.Time, bool) {
	value, valid := find("vcs.time")
	if !valid {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// Revision returns the Git hash of the build.
func Revision() (string, bool) {
	return find("vcs.revision")
}

func find(key string) (string, bool) {
	readBuildInfo.Do(func() {
		buildInfo, buildInfoValid = debug.ReadBuildInfo()
	})
	if !buildInfoValid {
		return "", false
	}
	for _, setting := range buildInfo.Settings {
		if setting.Key != key {
			continue
		}
		return setting.Value, true
	}
	return "", false
}
