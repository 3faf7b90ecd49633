package resolver

import (
	"testing"

	"github.com/urpmng/urpm"
)

func mkPkg(name, version string, caps map[urpm.CapabilityKind][]string) *Candidate {
	return &Candidate{
		Package:      urpm.Package{Name: name, Version: version, Release: "1", Arch: "x86_64"},
		MediaName:    "core",
		Capabilities: caps,
	}
}

func TestResolveInstallSimpleDependency(t *testing.T) {
	pool := NewPool("x86_64", nil)
	a := mkPkg("app", "1.0", map[urpm.CapabilityKind][]string{
		urpm.Requires: {"libfoo"},
	})
	b := mkPkg("libfoo", "2.0", nil)
	pool.add(a)
	pool.add(b)

	res, err := ResolveInstall(pool, []string{"app"}, Options{})
	if err != nil {
		t.Fatalf("ResolveInstall: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, problems: %v", res.Problems)
	}
	if len(res.Actions) != 2 {
		t.Fatalf("got %d actions, want 2: %+v", len(res.Actions), res.Actions)
	}
	var sawApp, sawLib bool
	for _, a := range res.Actions {
		switch {
		case a.NEVRA == "app-1.0-1.x86_64":
			sawApp = true
			if a.Reason != urpm.ReasonExplicit {
				t.Errorf("app reason = %s, want explicit", a.Reason)
			}
		case a.NEVRA == "libfoo-2.0-1.x86_64":
			sawLib = true
			if a.Reason != urpm.ReasonDependency {
				t.Errorf("libfoo reason = %s, want dependency", a.Reason)
			}
		}
	}
	if !sawApp || !sawLib {
		t.Errorf("missing expected actions: %+v", res.Actions)
	}
}

func TestResolveInstallUnresolvedDependency(t *testing.T) {
	pool := NewPool("x86_64", nil)
	a := mkPkg("app", "1.0", map[urpm.CapabilityKind][]string{
		urpm.Requires: {"missing-thing"},
	})
	pool.add(a)

	res, err := ResolveInstall(pool, []string{"app"}, Options{})
	if err != nil {
		t.Fatalf("ResolveInstall: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for unresolved dependency")
	}
	if len(res.Problems) == 0 {
		t.Fatal("expected a problem to be reported")
	}
}

func TestSelectAmbiguous(t *testing.T) {
	pool := NewPool("x86_64", nil)
	pool.add(mkPkg("nginx", "1.0", map[urpm.CapabilityKind][]string{urpm.Provides: {"httpd"}}))
	pool.add(mkPkg("apache", "2.0", map[urpm.CapabilityKind][]string{urpm.Provides: {"httpd"}}))

	cands, err := pool.Select("httpd")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(DistinctNames(cands)) != 2 {
		t.Fatalf("got %v, want 2 distinct names", DistinctNames(cands))
	}
}

func TestResolveRemoveOrphans(t *testing.T) {
	pool := NewPool("x86_64", nil)
	app := mkPkg("app", "1.0", map[urpm.CapabilityKind][]string{urpm.Requires: {"libfoo"}})
	app.Installed = true
	lib := mkPkg("libfoo", "2.0", nil)
	lib.Installed = true
	pool.add(app)
	pool.add(lib)

	res, err := ResolveRemove(pool, []string{"app"}, true)
	if err != nil {
		t.Fatalf("ResolveRemove: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success: %v", res.Problems)
	}
	var sawLib bool
	for _, a := range res.Actions {
		if a.NEVRA == "libfoo-2.0-1.x86_64" {
			sawLib = true
		}
	}
	if !sawLib {
		t.Errorf("expected libfoo to be proposed as an orphan, got %+v", res.Actions)
	}
}

func TestResolveInstallRealAlternative(t *testing.T) {
	pool := NewPool("x86_64", nil)
	pool.add(mkPkg("nginx", "1.0", map[urpm.CapabilityKind][]string{urpm.Provides: {"httpd"}}))
	pool.add(mkPkg("apache", "2.0", map[urpm.CapabilityKind][]string{urpm.Provides: {"httpd"}}))

	res, err := ResolveInstall(pool, []string{"httpd"}, Options{})
	if err != nil {
		t.Fatalf("ResolveInstall: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure pending an alternative choice")
	}
	if len(res.Alternatives) != 1 {
		t.Fatalf("got %d alternatives, want 1: %+v", len(res.Alternatives), res.Alternatives)
	}
}

func TestResolveInstallSuppressedAlternative(t *testing.T) {
	pool := NewPool("x86_64", nil)
	pool.add(mkPkg("php8.3", "8.3", map[urpm.CapabilityKind][]string{urpm.Provides: {"php"}}))
	pool.add(mkPkg("php8.4", "8.4", map[urpm.CapabilityKind][]string{urpm.Provides: {"php"}}))

	res, err := ResolveInstall(pool, []string{"php"}, Options{})
	if err != nil {
		t.Fatalf("ResolveInstall: %v", err)
	}
	if len(res.Alternatives) != 0 {
		t.Fatalf("expected the version-suffix family to be suppressed, got %+v", res.Alternatives)
	}
	if !res.Success || len(res.Actions) != 1 {
		t.Fatalf("expected a single ranked winner, got %+v", res)
	}
}

func TestIsVersionSuffixOf(t *testing.T) {
	if !isVersionSuffixOf("php8.4", "php") {
		t.Error("php8.4 should be a version suffix of php")
	}
	if isVersionSuffixOf("php-fpm", "php") {
		t.Error("php-fpm should not be a version suffix of php")
	}
}
