package index

import (
	"context"
	"fmt"
	"time"

	"github.com/urpmng/urpm"
)

const mediaColumns = `id, name, mageia_version, arch, short_name, relative_path, official, enabled, update_media, priority, last_sync, last_synthesis, replication, seed_sections, shared, quota_mb, retention_days`

func scanMedia(row interface{ Scan(...any) error }) (urpm.Media, error) {
	var m urpm.Media
	var lastSync *time.Time
	err := row.Scan(&m.ID, &m.Name, &m.MageiaVersion, &m.Arch, &m.ShortName,
		&m.RelativePath, &m.Official, &m.Enabled, &m.Update, &m.Priority,
		&lastSync, &m.LastSynthesis, &m.Replication, &m.SeedSections,
		&m.Shared, &m.QuotaMB, &m.RetentionDays)
	if lastSync != nil {
		m.LastSync = *lastSync
	}
	return m, err
}

// Media lists every configured medium, ordered by name.
func (s *Store) Media(ctx context.Context) ([]urpm.Media, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+mediaColumns+` FROM media ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("index: listing media: %w", err)
	}
	defer rows.Close()
	var out []urpm.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scanning media row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MediaByName looks up one medium by its unique name.
func (s *Store) MediaByName(ctx context.Context, name string) (urpm.Media, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media WHERE name = $1`, name)
	return scanMedia(row)
}

// MediaByCanonicalKey looks up a medium by its (MageiaVersion, Arch,
// ShortName) identity triple.
func (s *Store) MediaByCanonicalKey(ctx context.Context, version, arch, shortName string) (urpm.Media, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media WHERE mageia_version = $1 AND arch = $2 AND short_name = $3`,
		version, arch, shortName)
	return scanMedia(row)
}

// AddMedia registers a new medium and returns its assigned id.
func (s *Store) AddMedia(ctx context.Context, m urpm.Media) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO media
		(name, mageia_version, arch, short_name, relative_path, official, enabled, update_media, priority, replication, seed_sections, shared, quota_mb, retention_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		m.Name, m.MageiaVersion, m.Arch, m.ShortName, m.RelativePath, m.Official, m.Enabled, m.Update,
		m.Priority, m.Replication, m.SeedSections, m.Shared, m.QuotaMB, m.RetentionDays).Scan(&id)
	if err != nil {
		return 0, &urpm.Error{Op: "index.AddMedia", Kind: urpm.ErrIndex, Message: "inserting media", Inner: err}
	}
	return id, nil
}

// RemoveMedia deletes a medium and, via foreign-key cascade, every
// package and capability row it owns.
func (s *Store) RemoveMedia(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM media WHERE id = $1`, id)
	if err != nil {
		return &urpm.Error{Op: "index.RemoveMedia", Kind: urpm.ErrIndex, Message: "deleting media", Inner: err}
	}
	return nil
}

// SetMediaSynthesisDigest records the last successfully imported
// synthesis digest, used by the sync pipeline to gate a re-download
// against media_info/MD5SUM.
func (s *Store) SetMediaSynthesisDigest(ctx context.Context, id int64, digest string) error {
	_, err := s.pool.Exec(ctx, `UPDATE media SET last_synthesis = $1, last_sync = now() WHERE id = $2`, digest, id)
	return err
}

// LinkMediaServer associates a medium with a server it can be fetched
// from. The link is bidirectional: either side may be queried to find
// the other.
func (s *Store) LinkMediaServer(ctx context.Context, mediaID, serverID int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO media_servers (media_id, server_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, mediaID, serverID)
	return err
}

// ServersForMedia lists every server a medium is reachable through,
// ordered by descending priority.
func (s *Store) ServersForMedia(ctx context.Context, mediaID int64) ([]urpm.Server, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+serverColumnsPrefixed("sv")+` FROM servers sv
		JOIN media_servers ms ON ms.server_id = sv.id
		WHERE ms.media_id = $1
		ORDER BY sv.priority DESC, sv.name`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("index: listing servers for media: %w", err)
	}
	defer rows.Close()
	var out []urpm.Server
	for rows.Next() {
		sv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scanning server row: %w", err)
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

const serverColumns = `id, name, protocol, host, base_path, official, enabled, priority, ip_mode`

func serverColumnsPrefixed(alias string) string {
	cols := []string{"id", "name", "protocol", "host", "base_path", "official", "enabled", "priority", "ip_mode"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func scanServer(row interface{ Scan(...any) error }) (urpm.Server, error) {
	var sv urpm.Server
	err := row.Scan(&sv.ID, &sv.Name, &sv.Protocol, &sv.Host, &sv.BasePath, &sv.Official, &sv.Enabled, &sv.Priority, &sv.IPMode)
	return sv, err
}

// Servers lists every configured server, ordered by descending priority.
func (s *Store) Servers(ctx context.Context) ([]urpm.Server, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY priority DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("index: listing servers: %w", err)
	}
	defer rows.Close()
	var out []urpm.Server
	for rows.Next() {
		sv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scanning server row: %w", err)
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

// AddServer registers a mirror server and returns its assigned id.
func (s *Store) AddServer(ctx context.Context, sv urpm.Server) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO servers (name, protocol, host, base_path, official, enabled, priority, ip_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		sv.Name, sv.Protocol, sv.Host, sv.BasePath, sv.Official, sv.Enabled, sv.Priority, sv.IPMode).Scan(&id)
	if err != nil {
		return 0, &urpm.Error{Op: "index.AddServer", Kind: urpm.ErrIndex, Message: "inserting server", Inner: err}
	}
	return id, nil
}
