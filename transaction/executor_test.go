package transaction

import (
	"testing"

	"github.com/urpmng/urpm/resolver"
)

func TestRPMFlagsInstall(t *testing.T) {
	opts := InstallOptions{VerifySignatures: true}
	flags := opts.rpmFlags(resolver.ActInstall)
	if flags[0] != "-U" {
		t.Errorf("got %v, want leading -U", flags)
	}
	for _, f := range flags {
		if f == "--nosignature" {
			t.Errorf("should not disable signature checking when VerifySignatures is set: %v", flags)
		}
	}
}

func TestRPMFlagsRemove(t *testing.T) {
	opts := InstallOptions{}
	flags := opts.rpmFlags(resolver.ActRemove)
	if flags[0] != "-e" {
		t.Errorf("got %v, want leading -e", flags)
	}
}

func TestBeforeAfterNEVRA(t *testing.T) {
	install := resolver.PackageAction{Kind: resolver.ActInstall, NEVRA: "foo-1-1.x86_64"}
	if beforeNEVRA(install) != "" || afterNEVRA(install) != "foo-1-1.x86_64" {
		t.Errorf("install before/after mismatch")
	}
	remove := resolver.PackageAction{Kind: resolver.ActRemove, NEVRA: "foo-1-1.x86_64"}
	if beforeNEVRA(remove) != "foo-1-1.x86_64" || afterNEVRA(remove) != "" {
		t.Errorf("remove before/after mismatch")
	}
}
