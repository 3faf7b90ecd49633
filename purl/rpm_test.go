package purl

import (
	"testing"

	"github.com/urpmng/urpm"
)

func TestGenerateParseRoundTrip(t *testing.T) {
	p := &urpm.Package{
		Name:    "firefox",
		Epoch:   "",
		Version: "120.0",
		Release: "1.mga9",
		Arch:    "x86_64",
	}
	media := &urpm.Media{MageiaVersion: "9"}

	pu := Generate(p, media)
	if got, want := pu.String(), "pkg:rpm/firefox@120.0-1.mga9?arch=x86_64&distro=9"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	name, version, release, arch, epoch, err := Parse(pu)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if name != p.Name || version != p.Version || release != p.Release || arch != p.Arch || epoch != "" {
		t.Errorf("round trip mismatch: %q %q %q %q %q", name, version, release, arch, epoch)
	}
}

func TestGenerateWithEpoch(t *testing.T) {
	p := &urpm.Package{
		Name:    "php-common",
		Epoch:   "3",
		Version: "8.4.0",
		Release: "1.mga9",
		Arch:    "x86_64",
	}
	pu := Generate(p, nil)
	_, _, _, _, epoch, err := Parse(pu)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if epoch != "3" {
		t.Errorf("got epoch: %q, want: %q", epoch, "3")
	}
}
