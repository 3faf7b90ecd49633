package synthesis

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/urpmng/urpm"
)

func TestParseNEVRA(t *testing.T) {
	tt := []struct {
		in                                   string
		name, version, release, arch string
	}{
		{"firefox-120.0-1.mga9.x86_64", "firefox", "120.0", "1.mga9", "x86_64"},
		{"vim-9.0-1.mga9.x86_64", "vim", "9.0", "1.mga9", "x86_64"},
		{"glibc-2.38-1.mga9.x86_64", "glibc", "2.38", "1.mga9", "x86_64"},
		{"some-package-name-1.0-1", "some-package-name", "1.0", "1", "noarch"},
		{"nodotarch-1.0-1", "nodotarch", "1.0", "1", "noarch"},
	}
	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			name, version, release, arch := ParseNEVRA(tc.in)
			if name != tc.name || version != tc.version || release != tc.release || arch != tc.arch {
				t.Errorf("got: (%q,%q,%q,%q), want: (%q,%q,%q,%q)",
					name, version, release, arch, tc.name, tc.version, tc.release, tc.arch)
			}
		})
	}
}

func TestParseDependency(t *testing.T) {
	tt := []struct {
		in                   string
		name, op, version string
	}{
		{"libfoo>=1.0", "libfoo", ">=", "1.0"},
		{"bar[>= 2.0]", "bar", ">=", "2.0"},
		{"baz", "baz", "", ""},
		{"libssl.so.3", "libssl.so.3", "", ""},
	}
	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			name, op, version := ParseDependency(tc.in)
			if name != tc.name || op != tc.op || version != tc.version {
				t.Errorf("got: (%q,%q,%q), want: (%q,%q,%q)", name, op, version, tc.name, tc.op, tc.version)
			}
		})
	}
}

func TestSplitLineNestedParens(t *testing.T) {
	line := "@provides@bundled(npm(@xterm/addon-canvas))@libfoo"
	got := splitLine(line)
	want := []string{"", "provides", "bundled(npm(@xterm/addon-canvas))", "libfoo"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("split mismatch (-want +got):\n%s", diff)
	}
}

func TestParseThreePackages(t *testing.T) {
	input := strings.Join([]string{
		"@summary@A fine editor",
		"@provides@editor@vi",
		"@requires@libc.so.6",
		"@info@vim-9.0-1.mga9.x86_64@0@29000000@Editors",
		"@summary@A web browser",
		"@provides@firefox@webbrowser",
		"@filesize@65000000",
		"@info@firefox-120.0-1.mga9.x86_64@0@250000000@Networking/WWW",
		"@provides@libc.so.6",
		"@info@glibc-2.38-1.mga9.x86_64@0@15000000@System/Libraries",
	}, "\n")

	var got []Record
	for rec, err := range Parse(strings.NewReader(input)) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, rec)
	}

	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if got[0].Name != "vim" || got[0].Group != "Editors" {
		t.Errorf("unexpected first record: %+v", got[0])
	}
	if got[1].Name != "firefox" || got[1].FileSize != 65000000 {
		t.Errorf("unexpected second record: %+v", got[1])
	}
	if got[2].Name != "glibc" {
		t.Errorf("unexpected third record: %+v", got[2])
	}
	if diff := cmp.Diff([]string{"editor", "vi"}, got[0].Capabilities[urpm.Provides]); diff != "" {
		t.Errorf("provides mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFiltersRpmlib(t *testing.T) {
	input := "@requires@rpmlib(CompressedFileNames)@libc.so.6\n@info@foo-1.0-1.x86_64@0@0@\n"
	var got Record
	for rec, err := range Parse(strings.NewReader(input)) {
		if err != nil {
			t.Fatal(err)
		}
		got = rec
	}
	if diff := cmp.Diff([]string{"libc.so.6"}, got.Capabilities[urpm.Requires]); diff != "" {
		t.Errorf("requires mismatch (-want +got):\n%s", diff)
	}
}
