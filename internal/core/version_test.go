package core

import (
	"runtime/debug"
	"testing"
)

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"v0.4.0", "0.4.0"},
		{"0.4.0", "0.4.0"},
		{"devel-ad721b3", "devel-ad721b3"},
		{"devel", "devel"},
	}
	for _, tt := range tests {
		if got := FormatVersion(tt.input); got != tt.want {
			t.Errorf("FormatVersion(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestVersionFromBuildInfo(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		settings map[string]string
		want     string
	}{
		{name: "tagged release", version: "v0.4.0", want: "v0.4.0"},
		{name: "tagged release with metadata", version: "v0.4.0+dirty", want: "v0.4.0+dirty"},
		{
			name:     "pseudo version falls back to vcs",
			version:  "v0.0.0-20260217105831-82903d1d8810",
			settings: map[string]string{"vcs.revision": "82903d1d8810abcdef"},
			want:     "devel-82903d1",
		},
		{
			name:     "devel dirty",
			version:  "(devel)",
			settings: map[string]string{"vcs.revision": "ad721b3ffff", "vcs.modified": "true"},
			want:     "devel-ad721b3-dirty",
		},
		{name: "no vcs info", version: "(devel)", want: "devel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &debug.BuildInfo{}
			info.Main.Version = tt.version
			for k, v := range tt.settings {
				info.Settings = append(info.Settings, debug.BuildSetting{Key: k, Value: v})
			}
			if got := versionFromBuildInfo(info); got != tt.want {
				t.Errorf("versionFromBuildInfo() = %q, want %q", got, tt.want)
			}
		})
	}
}
