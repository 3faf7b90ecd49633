package index

import (
	"context"
	"fmt"

	"github.com/urpmng/urpm"
)

// WhatProvides returns every package carrying a provides capability
// whose Dep matches capability exactly.
func (s *Store) WhatProvides(ctx context.Context, capability string) ([]urpm.Package, error) {
	return s.packagesByCapability(ctx, urpm.Provides, capability)
}

// WhatRequires returns every package that requires capability.
func (s *Store) WhatRequires(ctx context.Context, capability string) ([]urpm.Package, error) {
	return s.packagesByCapability(ctx, urpm.Requires, capability)
}

// WhatRecommends returns every package that recommends capability.
func (s *Store) WhatRecommends(ctx context.Context, capability string) ([]urpm.Package, error) {
	return s.packagesByCapability(ctx, urpm.Recommends, capability)
}

// WhatSuggests returns every package that suggests capability.
func (s *Store) WhatSuggests(ctx context.Context, capability string) ([]urpm.Package, error) {
	return s.packagesByCapability(ctx, urpm.Suggests, capability)
}

func (s *Store) packagesByCapability(ctx context.Context, kind urpm.CapabilityKind, capability string) ([]urpm.Package, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT `+prefixColumns("p")+` FROM packages p
		JOIN capabilities c ON c.package_id = p.id
		WHERE c.kind = $1 AND c.dep = $2
		ORDER BY p.name, p.version`, string(kind), capability)
	if err != nil {
		return nil, fmt.Errorf("index: querying %s: %w", kind, err)
	}
	return collectPackages(rows)
}

// Capabilities lists every capability row a package owns, grouped by
// kind, in the order [urpm.AllCapabilityKinds] defines.
func (s *Store) Capabilities(ctx context.Context, packageID int64) (map[urpm.CapabilityKind][]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT kind, dep FROM capabilities WHERE package_id = $1`, packageID)
	if err != nil {
		return nil, fmt.Errorf("index: listing capabilities: %w", err)
	}
	defer rows.Close()
	out := make(map[urpm.CapabilityKind][]string)
	for rows.Next() {
		var kind, dep string
		if err := rows.Scan(&kind, &dep); err != nil {
			return nil, fmt.Errorf("index: scanning capability row: %w", err)
		}
		out[urpm.CapabilityKind(kind)] = append(out[urpm.CapabilityKind(kind)], dep)
	}
	return out, rows.Err()
}
