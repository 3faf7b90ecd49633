// Package resolver implements urpm's dependency resolution engine (C5):
// SAT-based pool construction over installed and available packages,
// job application, alternative detection, blocs, suggests iteration,
// and orphan detection.
package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	rpmversion "github.com/knqyf263/go-rpm-version"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/internal/index"
	"github.com/urpmng/urpm/synthesis"
)

// LocalRPMs is the name of the synthetic media a pool assigns to
// command-line RPM files, so that installed versions of the same name
// are upgraded to them (SOLVER_UPDATE semantics) rather than treated as
// a fresh install from an unknown source.
const LocalRPMs = "@LocalRPMs"

// Candidate is one solvable the pool can select: either an installed
// package, one offered by an enabled medium, or a local RPM file.
type Candidate struct {
	ID      int
	urpm.Package
	MediaName    string
	Installed    bool
	Held         bool
	Capabilities map[urpm.CapabilityKind][]string
}

// evr returns the go-rpm-version encoded epoch:version-release, used
// for "best available" and "is this an upgrade" comparisons.
func (c *Candidate) evr() rpmversion.Version {
	return rpmversion.NewVersion(c.EVR())
}

// InstalledPackage is the installed-set shape an [InstalledLister]
// reports. It mirrors [Candidate]'s fields without depending on the
// index store's package row shape, since the live rpmdb and a chroot
// walk produce this data without ever touching Postgres.
type InstalledPackage struct {
	Name, Epoch, Version, Release, Arch string
	Capabilities                        map[urpm.CapabilityKind][]string
	Held                                bool // true for a package pinned via "held" config
}

// InstalledLister loads the installed-package set a pool solves
// against. The live-system implementation uses the SAT library's
// native rpmdb loader; a chroot target must walk the chroot's RPM
// database directly, since the native loader does not honor a
// root-dir override (spec §4.5).
type InstalledLister interface {
	Installed(ctx context.Context) ([]InstalledPackage, error)
}

// Pool is a SAT-solvable universe: the installed set plus every
// package offered by the media this resolution run considers.
type Pool struct {
	Arch          string
	AllowedArches []string

	candidates      []*Candidate
	installedByName map[string]*Candidate
	provides        map[string][]*Candidate
	nextID          int
}

// NewPool creates an empty pool tagged with the target architecture.
func NewPool(arch string, allowedArches []string) *Pool {
	if len(allowedArches) == 0 {
		allowedArches = []string{arch, "noarch"}
	}
	return &Pool{
		Arch:            arch,
		AllowedArches:   allowedArches,
		installedByName: make(map[string]*Candidate),
		provides:        make(map[string][]*Candidate),
	}
}

func (p *Pool) archAllowed(arch string) bool {
	for _, a := range p.AllowedArches {
		if a == arch || arch == "noarch" {
			return true
		}
	}
	return false
}

func (p *Pool) add(c *Candidate) *Candidate {
	p.nextID++
	c.ID = p.nextID
	p.candidates = append(p.candidates, c)
	if c.Installed {
		p.installedByName[c.Name] = c
	}
	p.provides[c.Name] = append(p.provides[c.Name], c)
	for _, dep := range c.Capabilities[urpm.Provides] {
		name, _, _ := synthesis.ParseDependency(dep)
		if name != c.Name {
			p.provides[name] = append(p.provides[name], c)
		}
	}
	return c
}

// LoadInstalled populates the pool's installed set via lister. It is
// skipped entirely when the caller set ignore_installed.
func (p *Pool) LoadInstalled(ctx context.Context, lister InstalledLister) error {
	pkgs, err := lister.Installed(ctx)
	if err != nil {
		return fmt.Errorf("resolver: loading installed set: %w", err)
	}
	for _, ip := range pkgs {
		p.add(&Candidate{
			Package: urpm.Package{
				Name: ip.Name, Epoch: ip.Epoch, Version: ip.Version, Release: ip.Release, Arch: ip.Arch,
			},
			Installed:    true,
			Held:         ip.Held,
			Capabilities: ip.Capabilities,
		})
	}
	return nil
}

// LoadMedia loads every package of every enabled medium whose
// mageia_version is in accepted and whose arch the pool allows, reading
// them from the C3 index store. Pool has no bulk loader over a medium's
// cached synthesis file; this is its only media loader.
func (p *Pool) LoadMedia(ctx context.Context, store *index.Store, accepted map[string]bool) error {
	media, err := store.Media(ctx)
	if err != nil {
		return fmt.Errorf("resolver: listing media: %w", err)
	}
	for _, m := range media {
		if !m.Enabled || (accepted != nil && !accepted[m.MageiaVersion]) || !p.archAllowed(m.Arch) {
			continue
		}
		pkgs, err := store.PackagesByMedia(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("resolver: loading packages for media %s: %w", m.Name, err)
		}
		for _, pkg := range pkgs {
			caps, err := store.Capabilities(ctx, pkg.ID)
			if err != nil {
				return fmt.Errorf("resolver: loading capabilities for %s: %w", pkg.NEVRA(), err)
			}
			p.add(&Candidate{Package: pkg, MediaName: m.Name, Capabilities: caps})
		}
	}
	return nil
}

// AddLocalRPM adds a command-line RPM file to the synthetic @LocalRPMs
// repo, so the same-name installed candidate (if any) is upgraded
// toward it.
func (p *Pool) AddLocalRPM(pkg urpm.Package, caps map[urpm.CapabilityKind][]string) *Candidate {
	return p.add(&Candidate{Package: pkg, MediaName: LocalRPMs, Capabilities: caps})
}

// Providers returns every candidate providing capability (by own name
// or an explicit Provides entry), sorted by descending EVR then name.
func (p *Pool) Providers(capability string) []*Candidate {
	out := append([]*Candidate(nil), p.provides[capability]...)
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].evr().Compare(out[j].evr()); c != 0 {
			return c > 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// BestAvailable returns the highest-EVR non-installed candidate
// matching name, or nil.
func (p *Pool) BestAvailable(name string) *Candidate {
	var best *Candidate
	for _, c := range p.provides[name] {
		if c.Installed || c.Name != name {
			continue
		}
		if best == nil || c.evr().GreaterThan(best.evr()) {
			best = c
		}
	}
	return best
}

// Select resolves a user-supplied package argument to a set of
// candidates, in the fallback order spec §4.5 mandates: exact
// name+EVR+arch, glob, provides.
func (p *Pool) Select(target string) ([]*Candidate, error) {
	if c := p.selectExact(target); c != nil {
		return []*Candidate{c}, nil
	}
	if isGlob(target) {
		if matches := p.selectGlob(target); len(matches) > 0 {
			return matches, nil
		}
	}
	if provs, ok := p.provides[target]; ok && len(provs) > 0 {
		return append([]*Candidate(nil), provs...), nil
	}
	return nil, fmt.Errorf("resolver: no candidate matches %q", target)
}

func (p *Pool) selectExact(target string) *Candidate {
	name, version, release, arch := synthesis.ParseNEVRA(target)
	if name == "" {
		return nil
	}
	for _, c := range p.candidates {
		if c.Name != name {
			continue
		}
		if version != "" && c.Version != version {
			continue
		}
		if release != "" && c.Release != release {
			continue
		}
		if arch != "" && c.Arch != arch {
			continue
		}
		return c
	}
	return nil
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func (p *Pool) selectGlob(pattern string) []*Candidate {
	var out []*Candidate
	for _, c := range p.candidates {
		if ok, _ := filepath.Match(pattern, c.Name); ok {
			out = append(out, c)
		}
	}
	return out
}

// AllCandidates returns every candidate in the pool, installed and
// available alike. Callers outside this package use it for pattern and
// glob scans that Providers/Select don't cover directly (e.g. the
// preferences package's --prefer glob matching).
func (p *Pool) AllCandidates() []*Candidate {
	return p.candidates
}

// DistinctNames returns the sorted distinct package names a candidate
// set spans, used to decide whether a job selection is ambiguous.
func DistinctNames(cands []*Candidate) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range cands {
		if !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c.Name)
		}
	}
	sort.Strings(out)
	return out
}
