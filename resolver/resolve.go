package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crillab/gophersat/bf"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/synthesis"
)

// ActionKind classifies one transaction step.
type ActionKind string

const (
	ActInstall   ActionKind = "install"
	ActUpgrade   ActionKind = "upgrade"
	ActDowngrade ActionKind = "downgrade"
	ActReinstall ActionKind = "reinstall"
	ActRemove    ActionKind = "remove"
)

// PackageAction is one step of a resolved transaction.
type PackageAction struct {
	Kind   ActionKind
	NEVRA  string
	Media  string
	Reason urpm.InstallReason
}

// Alternative is a deferred choice among more than one distinct
// package name providing the same capability.
type Alternative struct {
	Capability string
	RequiredBy string
	Providers  []string
}

// Resolution is the decision output of a resolve_install /
// resolve_remove run.
type Resolution struct {
	Actions      []PackageAction
	Alternatives []Alternative
	Blocs        []Bloc
	Problems     []string
	SizeIn       int64
	SizeOut      int64
	Success      bool
}

// Options configures a resolution run.
type Options struct {
	IgnoreRecommends bool
	EnableSuggests   bool
	AllowUninstall   bool
	Choices          map[string]string // capability -> chosen provider name
	MaxSuggestDepth  int
}

func (o Options) maxSuggestDepth() int {
	if o.MaxSuggestDepth <= 0 {
		return 10
	}
	return o.MaxSuggestDepth
}

// ResolveInstall resolves a request to install the named packages
// (capabilities, globs, or exact NEVRAs), returning the transaction the
// SAT pool's solution implies.
func ResolveInstall(pool *Pool, names []string, opts Options) (Resolution, error) {
	res := Resolution{}
	explicit := make(map[int]bool)
	var targets []*Candidate

	explicitNames := make(map[string]bool, len(names))
	for _, name := range names {
		explicitNames[name] = true
	}

	for _, name := range names {
		cands, err := pool.Select(name)
		if err != nil {
			res.Problems = append(res.Problems, err.Error())
			continue
		}
		distinct := DistinctNames(cands)
		if len(distinct) > 1 && !FilterAlternative(name, cands, explicitNames) {
			ranked := RankProviders(pool, cands)
			var providers []string
			for _, c := range ranked {
				providers = append(providers, c.NEVRA())
			}
			res.Alternatives = append(res.Alternatives, Alternative{
				Capability: name, RequiredBy: "(requested)", Providers: providers,
			})
			continue
		}
		if len(distinct) > 1 {
			// Not a real alternative (all-library providers, a version-
			// suffix family, or one candidate was itself named
			// explicitly): fall through using the cost-ranked winner.
			cands = RankProviders(pool, cands)
		}
		// Single name, possibly several EVRs/arches: prefer the chosen
		// provider (opts.Choices) or the highest EVR.
		chosen := cands[0]
		if pref, ok := opts.Choices[name]; ok {
			for _, c := range cands {
				if c.Name == pref {
					chosen = c
					break
				}
			}
		} else {
			for _, c := range cands {
				if c.evr().GreaterThan(chosen.evr()) {
					chosen = c
				}
			}
		}
		targets = append(targets, chosen)
		explicit[chosen.ID] = true
	}

	if len(res.Alternatives) > 0 {
		var capNames []string
		for _, alt := range res.Alternatives {
			capNames = append(capNames, alt.Capability)
		}
		res.Blocs = DetectBlocs(pool, capNames)
		res.Success = false
		return res, nil
	}
	if len(targets) == 0 {
		res.Success = len(res.Problems) == 0
		return res, nil
	}

	closure := closeOver(pool, targets, opts)
	formula, vars, err := buildFormula(pool, closure, targets)
	if err != nil {
		res.Problems = append(res.Problems, err.Error())
		return res, nil
	}
	model, err := bf.Solve(formula)
	if err != nil || model == nil {
		res.Problems = append(res.Problems, "no solution satisfies the requested install set")
		return res, nil
	}

	reasons := classifyReasons(pool, closure, explicit, model, vars)
	for _, c := range closure {
		v := vars[c.ID]
		if !model[v] {
			continue
		}
		kind := ActInstall
		if existing, ok := pool.installedByName[c.Name]; ok && existing != c {
			switch {
			case c.evr().GreaterThan(existing.evr()):
				kind = ActUpgrade
			case c.evr().LessThan(existing.evr()):
				kind = ActDowngrade
			default:
				kind = ActReinstall
			}
		}
		res.Actions = append(res.Actions, PackageAction{
			Kind: kind, NEVRA: c.NEVRA(), Media: c.MediaName, Reason: reasons[c.ID],
		})
		res.SizeIn += c.FileSize
	}
	sort.SliceStable(res.Actions, func(i, j int) bool { return res.Actions[i].NEVRA < res.Actions[j].NEVRA })

	if opts.EnableSuggests {
		suggestSuggests(pool, &res, closure, opts)
	}

	res.Success = true
	return res, nil
}

// closeOver walks the requires graph from targets to build the working
// set the SAT formula is built over, bounded to what's reachable so the
// formula stays tractable on large pools.
func closeOver(pool *Pool, targets []*Candidate, opts Options) []*Candidate {
	seen := make(map[int]*Candidate)
	queue := append([]*Candidate(nil), targets...)
	for _, t := range targets {
		seen[t.ID] = t
	}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		kinds := []urpm.CapabilityKind{urpm.Requires}
		if !opts.IgnoreRecommends {
			kinds = append(kinds, urpm.Recommends)
		}
		for _, kind := range kinds {
			for _, dep := range c.Capabilities[kind] {
				name, _, _ := synthesis.ParseDependency(dep)
				for _, prov := range pool.provides[name] {
					if _, ok := seen[prov.ID]; !ok {
						seen[prov.ID] = prov
						queue = append(queue, prov)
					}
				}
			}
		}
	}
	out := make([]*Candidate, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func varName(c *Candidate) string { return fmt.Sprintf("pkg_%d", c.ID) }

// buildFormula encodes the working set's requires/conflicts edges as a
// boolean formula: each target is forced true, each requires is an
// implication to the disjunction of its providers, each conflicts
// forbids both ends being true simultaneously.
func buildFormula(pool *Pool, closure []*Candidate, targets []*Candidate) (bf.Formula, map[int]string, error) {
	vars := make(map[int]string, len(closure))
	for _, c := range closure {
		vars[c.ID] = varName(c)
	}

	var clauses []bf.Formula
	for _, t := range targets {
		clauses = append(clauses, bf.Var(vars[t.ID]))
	}

	inClosure := make(map[int]bool, len(closure))
	for _, c := range closure {
		inClosure[c.ID] = true
	}

	for _, c := range closure {
		self := bf.Var(vars[c.ID])
		for _, dep := range c.Capabilities[urpm.Requires] {
			name, _, _ := synthesis.ParseDependency(dep)
			var options []bf.Formula
			for _, prov := range pool.provides[name] {
				if inClosure[prov.ID] {
					options = append(options, bf.Var(vars[prov.ID]))
				}
			}
			if len(options) == 0 {
				return nil, nil, fmt.Errorf("unresolved dependency %q of %s", name, c.NEVRA())
			}
			clauses = append(clauses, bf.Implies(self, bf.Or(options...)))
		}
		for _, dep := range c.Capabilities[urpm.Conflicts] {
			name, _, _ := synthesis.ParseDependency(dep)
			for _, prov := range pool.provides[name] {
				if prov.ID == c.ID || !inClosure[prov.ID] {
					continue
				}
				clauses = append(clauses, bf.Not(bf.And(self, bf.Var(vars[prov.ID]))))
			}
		}
	}
	return bf.And(clauses...), vars, nil
}

// classifyReasons assigns an [urpm.InstallReason] to every selected
// candidate in the model: EXPLICIT for the user's own arguments,
// RECOMMENDED for a weak-dep pull-in, DEPENDENCY otherwise.
func classifyReasons(pool *Pool, closure []*Candidate, explicit map[int]bool, model map[string]bool, vars map[int]string) map[int]urpm.InstallReason {
	recommended := make(map[int]bool)
	for _, c := range closure {
		if !model[vars[c.ID]] {
			continue
		}
		for _, dep := range c.Capabilities[urpm.Recommends] {
			name, _, _ := synthesis.ParseDependency(dep)
			for _, prov := range pool.provides[name] {
				if model[vars[prov.ID]] {
					recommended[prov.ID] = true
				}
			}
		}
	}
	out := make(map[int]urpm.InstallReason, len(closure))
	for _, c := range closure {
		switch {
		case explicit[c.ID]:
			out[c.ID] = urpm.ReasonExplicit
		case recommended[c.ID]:
			out[c.ID] = urpm.ReasonRecommended
		default:
			out[c.ID] = urpm.ReasonDependency
		}
	}
	return out
}

// suggestSuggests implements the suggests-iteration fixed point:
// repeatedly ask each planned package for its suggests, adding newly
// found single-provider capabilities as SUGGESTED actions, and
// surfacing multi-provider capabilities as alternatives, until a fixed
// point or the configured iteration cap.
func suggestSuggests(pool *Pool, res *Resolution, closure []*Candidate, opts Options) {
	planned := make(map[int]bool, len(closure))
	for _, c := range closure {
		planned[c.ID] = true
	}
	rejected := make(map[string]bool)
	for _, alt := range res.Alternatives {
		rejected[alt.Capability] = true
	}

	for iter := 0; iter < opts.maxSuggestDepth(); iter++ {
		changed := false
		for _, c := range closure {
			if !planned[c.ID] {
				continue
			}
			for _, dep := range c.Capabilities[urpm.Suggests] {
				name, _, _ := synthesis.ParseDependency(dep)
				if rejected[name] {
					continue
				}
				providers := pool.Providers(name)
				var fresh []*Candidate
				for _, p := range providers {
					if !planned[p.ID] {
						fresh = append(fresh, p)
					}
				}
				if len(fresh) == 0 {
					continue
				}
				distinct := DistinctNames(fresh)
				if len(distinct) > 1 && !FilterAlternative(name, fresh, nil) {
					ranked := RankProviders(pool, fresh)
					var providerNames []string
					for _, p := range ranked {
						providerNames = append(providerNames, p.NEVRA())
					}
					res.Alternatives = append(res.Alternatives, Alternative{
						Capability: name, RequiredBy: c.NEVRA(), Providers: providerNames,
					})
					continue
				}
				if len(distinct) > 1 {
					fresh = RankProviders(pool, fresh)
				}
				p := fresh[0]
				planned[p.ID] = true
				res.Actions = append(res.Actions, PackageAction{
					Kind: ActInstall, NEVRA: p.NEVRA(), Media: p.MediaName, Reason: urpm.ReasonSuggested,
				})
				res.SizeIn += p.FileSize
				changed = true
			}
		}
		if !changed {
			break
		}
	}
}

// ResolveRemove implements resolve_remove: a REMOVE action for each named
// installed package, plus the erase-side orphans when cleanDeps is set.
func ResolveRemove(pool *Pool, names []string, cleanDeps bool) (Resolution, error) {
	res := Resolution{}
	var toRemove []*Candidate
	for _, name := range names {
		c, ok := pool.installedByName[name]
		if !ok {
			res.Problems = append(res.Problems, fmt.Sprintf("%s is not installed", name))
			continue
		}
		toRemove = append(toRemove, c)
	}
	if len(res.Problems) > 0 && len(toRemove) == 0 {
		res.Success = false
		return res, nil
	}
	for _, c := range toRemove {
		res.Actions = append(res.Actions, PackageAction{Kind: ActRemove, NEVRA: c.NEVRA(), Media: c.MediaName, Reason: urpm.ReasonExplicit})
		res.SizeOut += c.Size
	}
	if cleanDeps {
		orphans := DetectOrphansErase(pool, toRemove, OrphanOptions{})
		for _, o := range orphans {
			res.Actions = append(res.Actions, PackageAction{Kind: ActRemove, NEVRA: o.NEVRA(), Media: o.MediaName, Reason: urpm.ReasonDependency})
			res.SizeOut += o.Size
		}
	}
	res.Success = true
	return res, nil
}

// ResolveUpgrade scans every installed package for a better non-held
// available solvable, preferring same-arch, and additionally proposes
// the obsoleter of any installed package a non-installed package
// declares obsolete (excluding self-obsoletes).
func ResolveUpgrade(pool *Pool) (Resolution, error) {
	res := Resolution{}
	seen := make(map[string]bool)

	for name, installed := range pool.installedByName {
		if installed.Held {
			continue
		}
		best := bestUpgradeFor(pool, installed)
		if best == nil {
			continue
		}
		res.Actions = append(res.Actions, PackageAction{Kind: ActUpgrade, NEVRA: best.NEVRA(), Media: best.MediaName, Reason: urpm.ReasonDependency})
		res.SizeIn += best.FileSize
		seen[name] = true
	}

	for _, c := range pool.candidates {
		if c.Installed {
			continue
		}
		for _, dep := range c.Capabilities[urpm.Obsoletes] {
			name, _, _ := synthesis.ParseDependency(dep)
			if name == c.Name {
				continue // self-obsolete cleanup hint, not a real obsoletion
			}
			installed, ok := pool.installedByName[name]
			if !ok || installed.Held || seen[name] {
				continue
			}
			res.Actions = append(res.Actions, PackageAction{Kind: ActUpgrade, NEVRA: c.NEVRA(), Media: c.MediaName, Reason: urpm.ReasonDependency})
			res.SizeIn += c.FileSize
			seen[name] = true
		}
	}

	res.Success = true
	return res, nil
}

func bestUpgradeFor(pool *Pool, installed *Candidate) *Candidate {
	var best *Candidate
	for _, c := range pool.provides[installed.Name] {
		if c.Installed || c.Name != installed.Name {
			continue
		}
		if !c.evr().GreaterThan(installed.evr()) {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		sameArchBest := best.Arch == installed.Arch
		sameArchC := c.Arch == installed.Arch
		switch {
		case sameArchC && !sameArchBest:
			best = c
		case sameArchC == sameArchBest && c.evr().GreaterThan(best.evr()):
			best = c
		}
	}
	return best
}

// capName is a small helper used by callers that only have a raw
// dependency string and want its bare capability name.
func capName(dep string) string {
	name, _, _ := synthesis.ParseDependency(dep)
	return strings.TrimSpace(name)
}
