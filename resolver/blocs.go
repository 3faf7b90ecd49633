package resolver

import (
	"sort"
	"strings"
)

// Bloc groups a set of capabilities that must all resolve to providers
// agreeing on one version tag (e.g. every php-* extension requiring
// "php-common = 3:8.4" belongs to bloc "8.4").
type Bloc struct {
	Key          string
	Capabilities []string
}

// DetectBlocs builds capability -> bloc-version groupings over the
// given set of capabilities under choice. A bloc key is bloc-defining
// only when more than one distinct version exists across the
// capability's providers.
func DetectBlocs(pool *Pool, capabilities []string) []Bloc {
	capsByKey := make(map[string]map[string]bool)
	for _, capability := range capabilities {
		for _, prov := range pool.Providers(capability) {
			for _, dep := range prov.Capabilities["requires"] {
				name, op, version := splitEqDependency(dep)
				if op != "=" || version == "" {
					continue
				}
				key := name + "=" + version
				if capsByKey[key] == nil {
					capsByKey[key] = make(map[string]bool)
				}
				capsByKey[key][capability] = true
			}
		}
	}

	// Group by the bare requirement name (e.g. "php-common"), collecting
	// the distinct version values seen; a bloc exists per name with
	// more than one distinct version across its keys.
	byName := make(map[string]map[string][]string) // name -> version -> capabilities
	for key, caps := range capsByKey {
		name, version := key[:strings.LastIndex(key, "=")], key[strings.LastIndex(key, "=")+1:]
		if byName[name] == nil {
			byName[name] = make(map[string][]string)
		}
		for c := range caps {
			byName[name][version] = append(byName[name][version], c)
		}
	}

	var out []Bloc
	for _, versions := range byName {
		if len(versions) < 2 {
			continue
		}
		for version, caps := range versions {
			sort.Strings(caps)
			out = append(out, Bloc{Key: version, Capabilities: caps})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// splitEqDependency extracts "name op version" style dependency
// strings (see synthesis.ParseDependency); present here rather than
// reusing it directly to keep the "=" discipline local to bloc
// detection, which only cares about exact-version requirements.
func splitEqDependency(dep string) (name, op, version string) {
	for _, o := range []string{">=", "<=", "==", "=", ">", "<"} {
		if idx := strings.Index(dep, " "+o+" "); idx != -1 {
			return strings.TrimSpace(dep[:idx]), o, strings.TrimSpace(dep[idx+len(o)+2:])
		}
	}
	return strings.TrimSpace(dep), "", ""
}

// RankProviders orders the providers of an alternative by: (1) number
// of not-yet-installed direct dependencies, ascending, (2) name. This
// biases a UI toward suggestions that cost the fewest extra packages.
// (Locale-match is intentionally omitted: it requires a UI-supplied
// $LANG value this package has no business reading.)
func RankProviders(pool *Pool, providers []*Candidate) []*Candidate {
	out := append([]*Candidate(nil), providers...)
	cost := func(c *Candidate) int {
		n := 0
		for _, dep := range c.Capabilities["requires"] {
			name := capName(dep)
			if prov, ok := pool.installedByName[name]; !ok || prov == nil {
				n++
			}
		}
		return n
	}
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := cost(out[i]), cost(out[j])
		if ci != cj {
			return ci < cj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// FilterAlternative reports whether an apparent alternative should be
// suppressed: every provider is a library package (name has a "lib"/
// "libX" prefix), the provider name is the capability name with only a
// numeric-version suffix difference, or one provider was explicitly
// requested.
func FilterAlternative(capability string, providers []*Candidate, explicit map[string]bool) bool {
	allLibs := true
	for _, p := range providers {
		if !isLibraryName(p.Name) {
			allLibs = false
			break
		}
	}
	if allLibs {
		return true
	}
	for _, p := range providers {
		if explicit[p.Name] {
			return true
		}
	}
	allVersionSuffixOnly := true
	for _, p := range providers {
		if !isVersionSuffixOf(p.Name, capability) {
			allVersionSuffixOnly = false
			break
		}
	}
	return allVersionSuffixOnly
}

func isLibraryName(name string) bool {
	return strings.HasPrefix(name, "lib")
}

// isVersionSuffixOf reports whether name is base with only digits
// and separators ('.', '-') appended, e.g. "php8.4" vs. base "php".
func isVersionSuffixOf(name, base string) bool {
	if !strings.HasPrefix(name, base) {
		return false
	}
	suffix := name[len(base):]
	for _, r := range suffix {
		if !(r >= '0' && r <= '9') && r != '.' && r != '-' {
			return false
		}
	}
	return true
}
