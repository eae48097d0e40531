package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	oldVersion, oldCommit, oldTime := Version, GitCommit, BuildTime
	t.Cleanup(func() { Version, GitCommit, BuildTime = oldVersion, oldCommit, oldTime })

	Version, GitCommit, BuildTime = "1.4.0", "abc1234", "2026-03-01T12:00:00Z"
	info := Get()
	if info.Version != "1.4.0" || info.GitCommit != "abc1234" || info.BuildTime != "2026-03-01T12:00:00Z" {
		t.Errorf("stamped values not used: %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q", info.GoVersion)
	}
	if info.Platform != runtime.GOOS+"/"+runtime.GOARCH {
		t.Errorf("Platform = %q", info.Platform)
	}
	if info.Uptime != "" {
		t.Errorf("Get should not set Uptime, got %q", info.Uptime)
	}
}

func TestGet_Unstamped(t *testing.T) {
	oldCommit, oldTime := GitCommit, BuildTime
	t.Cleanup(func() { GitCommit, BuildTime = oldCommit, oldTime })

	GitCommit, BuildTime = "", ""
	info := Get()
	if info.GitCommit == "" || info.BuildTime == "" {
		t.Errorf("unstamped build left empty fields: %+v", info)
	}
}

func TestRuntime(t *testing.T) {
	if Runtime().Uptime == "" {
		t.Error("Runtime should set Uptime")
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "invoxia-ha/") {
		t.Errorf("UserAgent() = %q", ua)
	}
}
