package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	tests := []struct {
		name        string
		info        Info
		bi          debug.BuildInfo
		wantVersion string
		wantCommit  string
		wantDirty   bool
	}{
		{
			name: "vcs stamp",
			bi: debug.BuildInfo{
				Main: debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "0123456789abcdef"},
					{Key: "vcs.modified", Value: "true"},
				},
			},
			wantCommit: "0123456",
			wantDirty:  true,
		},
		{
			name:        "module version",
			bi:          debug.BuildInfo{Main: debug.Module{Version: "v0.3.0"}},
			wantVersion: "v0.3.0",
		},
		{
			name: "ldflags win",
			info: Info{Version: "v1.0.0", Commit: "feedbee"},
			bi: debug.BuildInfo{
				Main:     debug.Module{Version: "v0.3.0"},
				Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123456789"}},
			},
			wantVersion: "v1.0.0",
			wantCommit:  "feedbee",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.info
			fromBuildInfo(&info, &tt.bi)
			if info.Version != tt.wantVersion {
				t.Errorf("Version = %q, want %q", info.Version, tt.wantVersion)
			}
			if info.Commit != tt.wantCommit {
				t.Errorf("Commit = %q, want %q", info.Commit, tt.wantCommit)
			}
			if info.Dirty != tt.wantDirty {
				t.Errorf("Dirty = %v, want %v", info.Dirty, tt.wantDirty)
			}
		})
	}
}

func TestFull(t *testing.T) {
	i := Info{Version: "v0.3.0", Commit: "abc1234", Dirty: true, GoVersion: "go1.22.0"}
	want := "v0.3.0 (commit: abc1234-dirty, go1.22.0)"
	if got := i.Full(); got != want {
		t.Errorf("Full() = %q, want %q", got, want)
	}
}

func TestGet(t *testing.T) {
	i := Get()
	if i.Version == "" || i.Commit == "" {
		t.Errorf("Get() = %+v, want populated fields", i)
	}
	if !strings.HasPrefix(i.GoVersion, "go") {
		t.Errorf("GoVersion = %q", i.GoVersion)
	}
}
