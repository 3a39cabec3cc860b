package buildinfo

import (
	"runtime"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name                  string
		version, commit, date string
		vcs                   vcs
		want                  Info
	}{
		{
			name:    "linker values win",
			version: "v1.2.3", commit: "abc1234", date: "2026-02-12T10:11:12Z",
			vcs:  vcs{module: "v0.9.0", revision: "ffff", time: "2025-01-01T00:00:00Z"},
			want: Info{Version: "v1.2.3", CommitHash: "abc1234", BuildDate: "2026-02-12 10:11:12 UTC"},
		},
		{
			name: "toolchain fallback",
			vcs:  vcs{module: "v0.4.0", revision: "0123456789abcdef", time: "2026-03-01T08:00:00+02:00", modified: true},
			want: Info{Version: "v0.4.0", CommitHash: "0123456789abcdef-dirty", BuildDate: "2026-03-01 06:00:00 UTC"},
		},
		{
			name: "devel build",
			vcs:  vcs{module: "(devel)"},
			want: Info{Version: "unknown", CommitHash: "unknown", BuildDate: "unknown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolve(tt.version, tt.commit, tt.date, tt.vcs)
			tt.want.GoVersion = runtime.Version()
			if got != tt.want {
				t.Fatalf("resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCurrentNeverEmpty(t *testing.T) {
	old := [3]string{Version, CommitHash, BuildDate}
	defer func() { Version, CommitHash, BuildDate = old[0], old[1], old[2] }()
	Version, CommitHash, BuildDate = "", "", ""

	info := Current()
	if info.Version == "" || info.CommitHash == "" || info.BuildDate == "" {
		t.Fatalf("Current() = %+v, want no empty fields", info)
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "v0.3.0", CommitHash: "0123456789abcdef-dirty", BuildDate: "2026-02-12 10:11:12 UTC", GoVersion: "go1.25.6"}
	want := "nolan v0.3.0 (commit 0123456789ab-dirty, built 2026-02-12 10:11:12 UTC, go1.25.6)"
	if got := info.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got := info.UserAgent(); got != "nolan/v0.3.0" {
		t.Fatalf("UserAgent() = %q", got)
	}
}
