package index

import (
	"context"
	"fmt"
	"iter"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/pkg/microbatch"
	"github.com/urpmng/urpm/synthesis"
)

var psql = goqu.Dialect("postgres")

// ImportPackages replaces the full package set of a medium with recs, as
// a single transaction: the medium's existing packages (and their
// capability rows, cascaded) are deleted, then recs are bulk-inserted.
// A sync that fails partway leaves the previous package set intact.
func (s *Store) ImportPackages(ctx context.Context, mediaID int64, format urpm.SourceFormat, recs iter.Seq2[synthesis.Record, error]) (count int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("index: beginning import transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM packages WHERE media_id = $1`, mediaID); err != nil {
		return 0, fmt.Errorf("index: clearing existing packages: %w", err)
	}

	batch := microbatch.NewInsert(tx, 500, 0)
	var recErr error
	recs(func(rec synthesis.Record, e error) bool {
		if e != nil {
			recErr = e
			return false
		}
		sql, args, err := psql.Insert("packages").Rows(goqu.Record{
			"media_id":      mediaID,
			"name":          rec.Name,
			"epoch":         rec.Epoch,
			"version":       rec.Version,
			"release":       rec.Release,
			"arch":          rec.Arch,
			"summary":       rec.Summary,
			"size":          rec.Size,
			"file_size":     rec.FileSize,
			"group_name":    rec.Group,
			"source_format": string(format),
		}).Returning("id").ToSQL()
		if err != nil {
			recErr = err
			return false
		}
		var id int64
		row := tx.QueryRow(ctx, sql, args...)
		if err := row.Scan(&id); err != nil {
			recErr = fmt.Errorf("index: inserting package %s: %w", rec.NEVRA(), err)
			return false
		}
		for kind, deps := range rec.Capabilities {
			for _, dep := range deps {
				if err := batch.Queue(ctx, `INSERT INTO capabilities (package_id, kind, dep) VALUES ($1, $2, $3)`, id, string(kind), dep); err != nil {
					recErr = err
					return false
				}
			}
		}
		count++
		return true
	})
	if recErr != nil {
		return 0, &urpm.Error{Op: "index.ImportPackages", Kind: urpm.ErrIndex, Message: "importing synthesis records", Inner: recErr}
	}
	if err := batch.Done(ctx); err != nil {
		return 0, &urpm.Error{Op: "index.ImportPackages", Kind: urpm.ErrIndex, Message: "flushing capability batch", Inner: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("index: committing import: %w", err)
	}
	return count, nil
}

// scanPackage reads one row of the canonical packages+media join into a
// [urpm.Package].
func scanPackage(row interface {
	Scan(...any) error
}) (urpm.Package, error) {
	var p urpm.Package
	var fingerprint string
	err := row.Scan(&p.ID, &p.Name, &p.Epoch, &p.Version, &p.Release, &p.Arch,
		&p.MediaID, &p.Summary, &p.Description, &p.Size, &p.FileSize,
		&p.Group, &p.URL, &p.License, &p.SourceFormat, &fingerprint, &p.IngestedAt)
	if err != nil {
		return p, err
	}
	if fingerprint != "" {
		if d, perr := urpm.ParseDigest(fingerprint); perr == nil {
			p.Fingerprint = d
		}
	}
	return p, nil
}

const packageColumns = `id, name, epoch, version, release, arch, media_id, summary, description, size, file_size, group_name, url, license, source_format, fingerprint, ingested_at`

// PackageByNEVRA looks up a single package by its exact identity within a
// medium.
func (s *Store) PackageByNEVRA(ctx context.Context, mediaID int64, name, epoch, version, release, arch string) (urpm.Package, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages
		WHERE media_id = $1 AND name = $2 AND epoch = $3 AND version = $4 AND release = $5 AND arch = $6`,
		mediaID, name, epoch, version, release, arch)
	return scanPackage(row)
}

// Search looks up packages by name substring first; when that yields no
// matches it falls back to a provides-substring search, deduplicated by
// package id. This mirrors the two-phase lookup the resolver's
// name-then-provides job-target fallback performs at a larger scale.
func (s *Store) Search(ctx context.Context, term string) ([]urpm.Package, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+packageColumns+` FROM packages WHERE name ILIKE $1 ORDER BY name, version`, "%"+term+"%")
	if err != nil {
		return nil, fmt.Errorf("index: searching by name: %w", err)
	}
	out, err := collectPackages(rows)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}

	rows, err = s.pool.Query(ctx, `SELECT DISTINCT `+prefixColumns("p")+` FROM packages p
		JOIN capabilities c ON c.package_id = p.id
		WHERE c.kind = $1 AND c.dep ILIKE $2
		ORDER BY p.name, p.version`, string(urpm.Provides), "%"+term+"%")
	if err != nil {
		return nil, fmt.Errorf("index: searching by provides: %w", err)
	}
	return collectPackages(rows)
}

// PackagesByMedia bulk-loads every package belonging to mediaID. This is
// the C3-side fallback the resolver's pool construction falls back to
// when a media's native SAT-library loader is unavailable for its
// cached synthesis.
func (s *Store) PackagesByMedia(ctx context.Context, mediaID int64) ([]urpm.Package, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+packageColumns+` FROM packages WHERE media_id = $1 ORDER BY name`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("index: listing packages for media: %w", err)
	}
	return collectPackages(rows)
}

func prefixColumns(alias string) string {
	out := ""
	for i, c := range []string{"id", "name", "epoch", "version", "release", "arch", "media_id", "summary", "description", "size", "file_size", "group_name", "url", "license", "source_format", "fingerprint", "ingested_at"} {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func collectPackages(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
	Close()
}) ([]urpm.Package, error) {
	defer rows.Close()
	var out []urpm.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scanning package row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
