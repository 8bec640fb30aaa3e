package buildinfo

import (
	"strings"
	"testing"
)

func TestBuildInfo_Keys(t *testing.T) {
	info := BuildInfo()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("BuildInfo() missing key %q", k)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent(); !strings.HasPrefix(got, "weatherbridge/") {
		t.Errorf("UserAgent() = %q, want weatherbridge/ prefix", got)
	}
}
