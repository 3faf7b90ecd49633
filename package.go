package urpm

import "time"

// SourceFormat records which metadata format a [Package] was ingested
// from.
type SourceFormat string

const (
	SourceSynthesis SourceFormat = "synthesis"
	SourceHdlist    SourceFormat = "hdlist"
)

// Package is a concrete binary package belonging to exactly one [Media].
//
// Its identity is the NEVRA tuple (Name, Epoch, Version, Release, Arch),
// unique within its owning media.
type Package struct {
	ID   int64
	Name string

	// Epoch is the empty string when the package carries no epoch tag.
	Epoch   string
	Version string
	Release string
	Arch    string

	MediaID int64

	Summary      string
	Description  string
	Size         int64 // installed size, bytes
	FileSize     int64 // download size, bytes
	Group        string
	URL          string
	License      string
	SourceFormat SourceFormat
	Fingerprint  Digest
	IngestedAt   time.Time
}

// NEVRA renders the package's canonical identity string, e.g.
// "firefox-1:120.0-1.mga9.x86_64".
func (p *Package) NEVRA() string {
	return p.Name + "-" + p.EVR() + "." + p.Arch
}

// EVR renders the epoch:version-release portion of the package's identity.
func (p *Package) EVR() string {
	if p.Epoch == "" {
		return p.Version + "-" + p.Release
	}
	return p.Epoch + ":" + p.Version + "-" + p.Release
}

// CapabilityKind enumerates the eight capability tables a package row can
// own entries in.
type CapabilityKind string

const (
	Provides    CapabilityKind = "provides"
	Requires    CapabilityKind = "requires"
	Conflicts   CapabilityKind = "conflicts"
	Obsoletes   CapabilityKind = "obsoletes"
	Recommends  CapabilityKind = "recommends"
	Suggests    CapabilityKind = "suggests"
	Supplements CapabilityKind = "supplements"
	Enhances    CapabilityKind = "enhances"
)

// AllCapabilityKinds lists every capability table, in the order the index
// store's bulk importer processes them.
var AllCapabilityKinds = [...]CapabilityKind{
	Provides, Requires, Conflicts, Obsoletes,
	Recommends, Suggests, Supplements, Enhances,
}

// Capability is one row of one of the eight capability tables, owned by a
// single package.
//
// Dep is an opaque dependency string in one of the shapes described in
// spec §3: a bare name, "name op version", "name[op version]", a
// parenthesized rich boolean expression, or a file-path capability.
// Strings beginning with "rpmlib(" are filtered out before a row is ever
// constructed; see synthesis.ParseDependency.
type Capability struct {
	ID        int64
	PackageID int64
	Kind      CapabilityKind
	Dep       string
}
