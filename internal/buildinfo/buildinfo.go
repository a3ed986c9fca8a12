// Package buildinfo reports the version of the running binary.
//
// Version, GitCommit and BuildTime are stamped with -ldflags "-X ...".
// An unstamped build falls back to the VCS data the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

var vcs = sync.OnceValue(func() (b Build) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.GitCommit = s.Value
		case "vcs.time":
			b.BuildTime = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
})

// Current returns the build description with the current uptime.
func Current() Build {
	b := Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
	if b.GitCommit == "unknown" {
		v := vcs()
		if v.GitCommit != "" {
			b.GitCommit, b.Modified = v.GitCommit, v.Modified
		}
		if b.BuildTime == "unknown" && v.BuildTime != "" {
			b.BuildTime = v.BuildTime
		}
	}
	return b
}

// Uptime returns the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is a one-line summary such as "llmha 1.2.0 (abc1234) built 2026-01-02".
func (b Build) String() string {
	commit := b.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if b.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("llmha %s (%s) built %s", b.Version, commit, b.BuildTime)
}

// UserAgent is sent on requests to Home Assistant and model providers.
func UserAgent() string {
	return "llmha/" + Version + " (+https://github.com/bergerjacob/llm-home-assistant)"
}
