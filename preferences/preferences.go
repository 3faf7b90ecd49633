// Package preferences implements urpm's preferences / alternatives
// engine (C9): parsing the comma-separated --prefer expression,
// resolving its terms against a package pool, and filtering and
// ranking provider lists accordingly.
package preferences

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver"

	"github.com/urpmng/urpm/resolver"
)

// Term is one parsed element of a --prefer expression.
type Term struct {
	Pattern  string
	Version  string // set only for "pattern:version" terms
	Disfavor bool   // set for a leading "-pattern"
}

// Preferences is the parsed form of a --prefer expression, ready to be
// resolved against a [resolver.Pool].
type Preferences struct {
	Terms []Term

	resolved   map[string]bool // package names resolved via whatprovides
	disfavored map[string]bool
	compatible map[string]bool
}

// Parse splits expr on commas into [-]<pattern>[:version] terms.
func Parse(expr string) Preferences {
	var p Preferences
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var t Term
		if strings.HasPrefix(part, "-") {
			t.Disfavor = true
			part = part[1:]
		}
		if idx := strings.Index(part, ":"); idx != -1 {
			t.Pattern = strings.ToLower(part[:idx])
			t.Version = strings.ToLower(part[idx+1:])
		} else {
			t.Pattern = strings.ToLower(part)
		}
		p.Terms = append(p.Terms, t)
	}
	return p
}

// ResolvePatterns walks each term, using the pool's whatprovides-
// equivalent lookup to collect candidate packages, intersecting the
// candidate sets of terms whose patterns overlap (e.g.
// "php:8.4,php-fpm" narrows to "php8.4-fpm" alone). It also computes
// the "compatible providers" set: packages that require a capability a
// resolved package provides and that share a version with it.
func (p *Preferences) ResolvePatterns(pool *resolver.Pool) {
	p.resolved = make(map[string]bool)
	p.disfavored = make(map[string]bool)
	p.compatible = make(map[string]bool)

	var favorSets []map[string]bool
	for _, t := range p.Terms {
		if t.Disfavor {
			continue
		}
		set := matchSet(pool, t)
		if len(set) > 0 {
			favorSets = append(favorSets, set)
		}
	}
	for name := range intersectOrUnion(favorSets) {
		p.resolved[name] = true
	}

	for _, t := range p.Terms {
		if !t.Disfavor {
			continue
		}
		for name := range matchSet(pool, t) {
			p.disfavored[name] = true
		}
	}

	for name := range p.resolved {
		resolvedPkg := pool.BestAvailable(name)
		if resolvedPkg == nil {
			continue
		}
		for _, cand := range poolCandidates(pool) {
			if p.resolved[cand.Name] {
				continue
			}
			if requiresCompatibleVersion(cand, resolvedPkg) {
				p.compatible[cand.Name] = true
			}
		}
	}
}

// matchSet resolves one term to the set of provider names whatprovides
// + glob matching surfaces, narrowed by the term's version constraint
// when present.
func matchSet(pool *resolver.Pool, t Term) map[string]bool {
	out := make(map[string]bool)
	var providers []*resolver.Candidate
	if strings.ContainsAny(t.Pattern, "*?[") {
		for _, c := range poolCandidates(pool) {
			if ok, _ := filepath.Match(t.Pattern, c.Name); ok {
				providers = append(providers, c)
			}
		}
	} else {
		providers = pool.Providers(t.Pattern)
	}
	for _, c := range providers {
		if t.Version != "" && !matchesMajorMinor(c.Version, t.Version) {
			continue
		}
		out[c.Name] = true
	}
	return out
}

// matchesMajorMinor reports whether pkgVersion's major.minor matches
// the (possibly partial) constraint string, using semver range
// matching when pkgVersion parses cleanly and falling back to a
// textual prefix match for the RPM-style version strings that don't
// (e.g. "8.4.12_mga9" fails strict semver parsing but still starts
// with "8.4").
func matchesMajorMinor(pkgVersion, constraint string) bool {
	c, err := semver.NewConstraint("~" + constraint)
	if err == nil {
		if v, err := semver.NewVersion(normalizeForSemver(pkgVersion)); err == nil {
			if c.Check(v) {
				return true
			}
		}
	}
	return strings.HasPrefix(pkgVersion, constraint)
}

// normalizeForSemver coerces an RPM-style version ("8.4" or "8.4.12")
// into something semver.NewVersion will parse, by padding a bare
// "major" or "major.minor" out to three components.
func normalizeForSemver(v string) string {
	parts := strings.Split(v, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return strings.Join(parts[:3], ".")
}

func intersectOrUnion(sets []map[string]bool) map[string]bool {
	if len(sets) == 0 {
		return map[string]bool{}
	}
	inter := sets[0]
	for _, s := range sets[1:] {
		next := make(map[string]bool)
		for name := range inter {
			if s[name] {
				next[name] = true
			}
		}
		if len(next) > 0 {
			inter = next
		} else {
			// Disjoint candidate sets: fall back to the union rather
			// than collapsing to nothing, matching --prefer's intent of
			// broadening preference rather than erroring out.
			union := make(map[string]bool)
			for name := range inter {
				union[name] = true
			}
			for name := range s {
				union[name] = true
			}
			inter = union
		}
	}
	return inter
}

func requiresCompatibleVersion(cand, resolvedPkg *resolver.Candidate) bool {
	for _, dep := range cand.Capabilities["requires"] {
		name, _, version := splitDependency(dep)
		if name != resolvedPkg.Name {
			continue
		}
		if version == "" || version == resolvedPkg.Version {
			return true
		}
	}
	return false
}

func splitDependency(dep string) (name, op, version string) {
	for _, o := range []string{">=", "<=", "==", "=", ">", "<"} {
		if idx := strings.Index(dep, " "+o+" "); idx != -1 {
			return strings.TrimSpace(dep[:idx]), o, strings.TrimSpace(dep[idx+len(o)+2:])
		}
	}
	return strings.TrimSpace(dep), "", ""
}

// mutuallyExclusiveFamilies lists well-known alternative families
// where preferring one member should drop its siblings from a
// candidate list outright.
var mutuallyExclusiveFamilies = [][]string{
	{"nginx", "apache", "lighttpd", "httpd"},
	{"mariadb", "mysql", "postgresql"},
	{"postfix", "exim", "sendmail"},
}

// FilterProviders applies the two filter_providers rules: drop
// mutually-exclusive family siblings of a preferred provider, then sort
// by preference match (preserving original order within each group).
// An empty input is returned as is. For a non-empty input it never
// returns an empty list; a filter that would empty the input falls back
// to returning it unchanged.
func (p *Preferences) FilterProviders(cands []*resolver.Candidate) []*resolver.Candidate {
	if len(cands) == 0 {
		return cands
	}
	filtered := p.dropExcludedFamilies(cands)
	if len(filtered) == 0 {
		filtered = cands
	}

	out := append([]*resolver.Candidate(nil), filtered...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := p.resolved[out[i].Name], p.resolved[out[j].Name]
		if pi != pj {
			return pi // preferred first
		}
		return false // otherwise preserve original relative order
	})
	return out
}

func (p *Preferences) dropExcludedFamilies(cands []*resolver.Candidate) []*resolver.Candidate {
	var preferredFamily []string
	for _, family := range mutuallyExclusiveFamilies {
		for _, name := range family {
			if p.resolved[name] {
				preferredFamily = family
				break
			}
		}
		if preferredFamily != nil {
			break
		}
	}
	if preferredFamily == nil {
		return cands
	}
	excluded := make(map[string]bool)
	for _, name := range preferredFamily {
		if !p.resolved[name] {
			excluded[name] = true
		}
	}
	var out []*resolver.Candidate
	for _, c := range cands {
		if !excluded[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

// MatchBlocVersion answers whether any of the preferences' explicit or
// pattern-derived version constraints matches blocKey, the bloc's
// version tag (e.g. a Bloc.Key from the resolver package).
func (p *Preferences) MatchBlocVersion(definingCaps []string, blocKey string) bool {
	for _, t := range p.Terms {
		if t.Disfavor || t.Version == "" {
			continue
		}
		for _, cap := range definingCaps {
			if strings.EqualFold(cap, t.Pattern) && matchesMajorMinor(blocKey, t.Version) {
				return true
			}
		}
	}
	return false
}

func poolCandidates(pool *resolver.Pool) []*resolver.Candidate {
	return pool.AllCandidates()
}
