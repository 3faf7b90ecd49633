// Package purl renders and parses package-url (purl) strings for urpm
// [urpm.Package] values, for consumers at the CLI boundary such as
// "urpm search --format=purl".
package purl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/package-url/packageurl-go"

	"github.com/urpmng/urpm"
)

// Generate renders a purl for p, using media's distro version as the
// qualified "distro" value when media is non-nil.
//
// rpm purls carry no namespace; distro and epoch, when present, are
// qualifiers per the package-url rpm type definition.
func Generate(p *urpm.Package, media *urpm.Media) packageurl.PackageURL {
	qualifiers := packageurl.Qualifiers{
		{Key: "arch", Value: p.Arch},
	}
	if p.Epoch != "" {
		qualifiers = append(qualifiers, packageurl.Qualifier{Key: "epoch", Value: p.Epoch})
	}
	if media != nil && media.MageiaVersion != "" {
		qualifiers = append(qualifiers, packageurl.Qualifier{Key: "distro", Value: media.MageiaVersion})
	}
	return packageurl.NewPackageURL(packageurl.TypeRPM, "", p.Name, p.Version+"-"+p.Release, qualifiers, "")
}

// Parse extracts the NEVRA fields a [urpm.Package] lookup needs from a
// purl produced by [Generate]. It does not look anything up in the index;
// callers join the result against the store themselves.
func Parse(pu packageurl.PackageURL) (name, version, release, arch, epoch string, err error) {
	if pu.Type != packageurl.TypeRPM {
		return "", "", "", "", "", fmt.Errorf("purl: unsupported type %q", pu.Type)
	}
	name = pu.Name
	version, release, _ = strings.Cut(pu.Version, "-")
	for _, q := range pu.Qualifiers {
		switch q.Key {
		case "arch":
			arch = q.Value
		case "epoch":
			epoch = q.Value
		}
	}
	if epoch != "" {
		if _, err := strconv.Atoi(epoch); err != nil {
			return "", "", "", "", "", fmt.Errorf("purl: invalid epoch qualifier %q: %w", epoch, err)
		}
	}
	return name, version, release, arch, epoch, nil
}
