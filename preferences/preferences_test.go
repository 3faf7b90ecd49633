package preferences

import (
	"testing"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/resolver"
)

func mkPool(t *testing.T) *resolver.Pool {
	t.Helper()
	pool := resolver.NewPool("x86_64", nil)
	pool.AddLocalRPM(urpm.Package{Name: "nginx", Version: "1.25.3", Release: "1.mga9", Arch: "x86_64"}, nil)
	pool.AddLocalRPM(urpm.Package{Name: "apache", Version: "2.4.58", Release: "1.mga9", Arch: "x86_64"}, nil)
	pool.AddLocalRPM(urpm.Package{Name: "php8.3-fpm", Version: "8.3.12", Release: "1.mga9", Arch: "x86_64"},
		map[urpm.CapabilityKind][]string{urpm.Provides: {"php-fpm"}})
	pool.AddLocalRPM(urpm.Package{Name: "php8.4-fpm", Version: "8.4.1", Release: "1.mga9", Arch: "x86_64"},
		map[urpm.CapabilityKind][]string{urpm.Provides: {"php-fpm"}})
	return pool
}

func TestParseTerms(t *testing.T) {
	p := Parse("php:8.4,-apache,nginx")
	if len(p.Terms) != 3 {
		t.Fatalf("got %d terms, want 3", len(p.Terms))
	}
	if p.Terms[0].Pattern != "php" || p.Terms[0].Version != "8.4" || p.Terms[0].Disfavor {
		t.Errorf("term 0 = %+v", p.Terms[0])
	}
	if !p.Terms[1].Disfavor || p.Terms[1].Pattern != "apache" {
		t.Errorf("term 1 = %+v", p.Terms[1])
	}
}

func TestResolvePatternsVersionNarrowing(t *testing.T) {
	pool := mkPool(t)
	p := Parse("php-fpm:8.4")
	p.ResolvePatterns(pool)
	if !p.resolved["php8.4-fpm"] {
		t.Errorf("expected php8.4-fpm resolved, got %+v", p.resolved)
	}
	if p.resolved["php8.3-fpm"] {
		t.Errorf("php8.3-fpm should not match php-fpm:8.4")
	}
}

func TestFilterProvidersDropsExcludedFamily(t *testing.T) {
	pool := mkPool(t)
	p := Parse("nginx")
	p.ResolvePatterns(pool)

	nginx := pool.BestAvailable("nginx")
	apache := pool.BestAvailable("apache")
	out := p.FilterProviders([]*resolver.Candidate{apache, nginx})
	if len(out) != 1 || out[0].Name != "nginx" {
		t.Errorf("expected only nginx to survive, got %v", namesOf(out))
	}
}

func TestFilterProvidersEmptyInput(t *testing.T) {
	p := Parse("nonexistent")
	out := p.FilterProviders(nil)
	if out != nil {
		t.Errorf("nil input should stay nil, got %v", out)
	}
}

func namesOf(cands []*resolver.Candidate) []string {
	var out []string
	for _, c := range cands {
		out = append(out, c.Name)
	}
	return out
}
