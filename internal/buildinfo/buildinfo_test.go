package buildinfo

import (
	"strings"
	"testing"
)

func TestCurrent(t *testing.T) {
	b := Current()
	if b.Version != Version || b.GoVersion == "" || b.OS == "" || b.Arch == "" {
		t.Errorf("Current() = %+v", b)
	}
	if b.Uptime == "" {
		t.Error("uptime should be set")
	}
}

func TestBuildString(t *testing.T) {
	b := Build{Version: "1.2.0", GitCommit: "0123456789abcdef", BuildTime: "2026-01-02", Modified: true}
	if got, want := b.String(), "llmha 1.2.0 (0123456789ab+dirty) built 2026-01-02"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "llmha/"+Version+" ") {
		t.Errorf("UserAgent() = %q", ua)
	}
}
