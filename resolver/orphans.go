package resolver

import (
	"github.com/urpmng/urpm"
)

// OrphanOptions tunes orphan detection's definition of "still needed".
type OrphanOptions struct {
	EraseRecommends bool // when true, a RECOMMENDS requirer does not save a candidate
	KeepSuggests    bool // when true, a SUGGESTS requirer also saves a candidate
}

// DetectOrphansErase implements the erase-side orphan scan (spec
// §4.5): starting from the set of auto-installed packages reachable
// from the initial erase set via REQUIRES ∪ RECOMMENDS, shrink to a
// fixed point by dropping any candidate that's still required by a
// package outside the candidate set.
func DetectOrphansErase(pool *Pool, erasing []*Candidate, opts OrphanOptions) []*Candidate {
	erased := make(map[int]bool, len(erasing))
	for _, c := range erasing {
		erased[c.ID] = true
	}

	// auto-installed = every installed candidate whose reason was not
	// EXPLICIT; the pool itself doesn't track install reason, so this
	// treats "reachable via REQUIRES/RECOMMENDS from the erase set" as
	// the auto-installed proxy, matching the installed-through-deps
	// file's role described in spec §6.
	depTree := make(map[int]*Candidate)
	queue := append([]*Candidate(nil), erasing...)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		kinds := []urpm.CapabilityKind{urpm.Requires, urpm.Recommends}
		for _, kind := range kinds {
			for _, dep := range c.Capabilities[kind] {
				name := capName(dep)
				for _, prov := range pool.provides[name] {
					if !prov.Installed || erased[prov.ID] {
						continue
					}
					if _, ok := depTree[prov.ID]; !ok {
						depTree[prov.ID] = prov
						queue = append(queue, prov)
					}
				}
			}
		}
	}

	candidates := make(map[int]*Candidate, len(depTree))
	for id, c := range depTree {
		candidates[id] = c
	}

	for {
		shrunk := false
		for id, cand := range candidates {
			if stillRequired(pool, cand, candidates, erased, opts) {
				delete(candidates, id)
				shrunk = true
			}
		}
		if !shrunk {
			break
		}
	}

	out := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c)
	}
	return out
}

// stillRequired reports whether some installed package outside both
// the erase set and the orphan-candidate set still needs one of cand's
// provided capabilities, and no other remaining (non-candidate,
// non-erased) package provides the same capability.
func stillRequired(pool *Pool, cand *Candidate, candidates map[int]*Candidate, erased map[int]bool, opts OrphanOptions) bool {
	provided := map[string]bool{cand.Name: true}
	for _, dep := range cand.Capabilities[urpm.Provides] {
		provided[capName(dep)] = true
	}

	kinds := []urpm.CapabilityKind{urpm.Requires}
	if !opts.EraseRecommends {
		kinds = append(kinds, urpm.Recommends)
	}
	if opts.KeepSuggests {
		kinds = append(kinds, urpm.Suggests)
	}

	for _, other := range pool.candidates {
		if !other.Installed || other.ID == cand.ID {
			continue
		}
		if erased[other.ID] {
			continue
		}
		if _, isCandidate := candidates[other.ID]; isCandidate {
			continue
		}
		for _, kind := range kinds {
			for _, dep := range other.Capabilities[kind] {
				name := capName(dep)
				if !provided[name] {
					continue
				}
				if !otherProviderExists(pool, name, cand.ID, candidates, erased) {
					return true
				}
			}
		}
	}
	return false
}

func otherProviderExists(pool *Pool, capability string, excludeID int, candidates map[int]*Candidate, erased map[int]bool) bool {
	for _, prov := range pool.provides[capability] {
		if prov.ID == excludeID {
			continue
		}
		if erased[prov.ID] {
			continue
		}
		if _, isCandidate := candidates[prov.ID]; isCandidate {
			continue
		}
		return true
	}
	return false
}

// DetectOrphansUpgrade compares each upgraded package's pre- and
// post-upgrade requires; a capability that disappears is "lost", and
// any auto-installed provider of a lost capability with no remaining
// requirer becomes a removal proposal.
func DetectOrphansUpgrade(pool *Pool, before map[string][]string, actions []PackageAction) []*Candidate {
	lost := make(map[string]bool)
	for _, act := range actions {
		if act.Kind != ActUpgrade {
			continue
		}
		name := capName(act.NEVRA)
		newReqs := map[string]bool{}
		if c, ok := pool.installedByName[name]; ok {
			for _, dep := range c.Capabilities[urpm.Requires] {
				newReqs[capName(dep)] = true
			}
		}
		for _, dep := range before[name] {
			cn := capName(dep)
			if !newReqs[cn] {
				lost[cn] = true
			}
		}
	}

	var out []*Candidate
	for capability := range lost {
		for _, prov := range pool.provides[capability] {
			if !prov.Installed {
				continue
			}
			if hasRemainingRequirer(pool, capability, prov.ID) {
				continue
			}
			out = append(out, prov)
		}
	}
	return out
}

func hasRemainingRequirer(pool *Pool, capability string, providerID int) bool {
	for _, c := range pool.candidates {
		if !c.Installed || c.ID == providerID {
			continue
		}
		for _, dep := range c.Capabilities[urpm.Requires] {
			if capName(dep) == capability {
				return true
			}
		}
	}
	return false
}
