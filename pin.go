package urpm

// Pin is a stored per-package priority override for packages of the same
// name offered by more than one media. The resolver package reads neither
// Pins nor a Media's own Priority: among same-named candidates it picks
// the one with the highest EVR.
//
// MediaPattern is optional; an empty pattern matches every media.
type Pin struct {
	ID int64

	PackagePattern string
	MediaPattern   string
	Priority       int
	// VersionConstraint, when non-empty, further restricts the pin to
	// packages matching a version expression (the same grammar C9 parses
	// for --prefer).
	VersionConstraint string
	Comment           string
}
