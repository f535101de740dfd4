package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent_HasProductPrefix(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, Name+"/") {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, Name+"/")
	}
}

func TestRuntimeInfo_IncludesUptime(t *testing.T) {
	info := RuntimeInfo()
	if _, ok := info["uptime"]; !ok {
		t.Error("RuntimeInfo() missing uptime")
	}
	if info["version"] != Version {
		t.Errorf("version = %q, want %q", info["version"], Version)
	}
	if _, ok := BuildInfo()["uptime"]; ok {
		t.Error("BuildInfo() should not carry uptime")
	}
}
