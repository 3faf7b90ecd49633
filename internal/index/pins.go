package index

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urpmng/urpm"
)

const pinColumns = `id, package_pattern, media_pattern, priority, version_constraint, comment`

func scanPin(row interface{ Scan(...any) error }) (urpm.Pin, error) {
	var p urpm.Pin
	err := row.Scan(&p.ID, &p.PackagePattern, &p.MediaPattern, &p.Priority, &p.VersionConstraint, &p.Comment)
	return p, err
}

// Pins lists every pin, ordered by descending priority and then by id.
func (s *Store) Pins(ctx context.Context) ([]urpm.Pin, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pinColumns+` FROM pins ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("index: listing pins: %w", err)
	}
	defer rows.Close()
	var out []urpm.Pin
	for rows.Next() {
		p, err := scanPin(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scanning pin row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddPin creates a new pin.
func (s *Store) AddPin(ctx context.Context, p urpm.Pin) (int64, error) {
	if p.MediaPattern == "" {
		p.MediaPattern = "*"
	}
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO pins (package_pattern, media_pattern, priority, version_constraint, comment)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.PackagePattern, p.MediaPattern, p.Priority, p.VersionConstraint, p.Comment).Scan(&id)
	if err != nil {
		return 0, &urpm.Error{Op: "index.AddPin", Kind: urpm.ErrIndex, Message: "inserting pin", Inner: err}
	}
	return id, nil
}

// RemovePin deletes a pin by id.
func (s *Store) RemovePin(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pins WHERE id = $1`, id)
	return err
}

// MatchingPins returns, in descending-priority order, every pin whose
// PackagePattern glob-matches packageName and whose MediaPattern
// glob-matches mediaName. VersionConstraint is not checked, and the
// resolver package does not call this method.
func (s *Store) MatchingPins(ctx context.Context, packageName, mediaName string) ([]urpm.Pin, error) {
	all, err := s.Pins(ctx)
	if err != nil {
		return nil, err
	}
	var out []urpm.Pin
	for _, p := range all {
		nameOK, err := filepath.Match(p.PackagePattern, packageName)
		if err != nil || !nameOK {
			continue
		}
		mediaOK, err := filepath.Match(p.MediaPattern, mediaName)
		if err != nil || !mediaOK {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
