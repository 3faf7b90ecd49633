package index

import (
	"context"
	"fmt"

	"github.com/urpmng/urpm"
)

const cacheFileColumns = `id, name, media_id, relative_path, size, is_referenced, last_access`

func scanCacheFile(row interface{ Scan(...any) error }) (urpm.CacheFile, error) {
	var c urpm.CacheFile
	var mediaID *int64
	err := row.Scan(&c.ID, &c.Name, &mediaID, &c.RelativePath, &c.Size, &c.IsReferenced, &c.LastAccess)
	if mediaID != nil {
		c.MediaID = *mediaID
	}
	return c, err
}

// RegisterCacheFile upserts a downloaded file's accounting row. A
// collision on RelativePath refreshes size and access time rather than
// erroring, since a re-download of the same file is routine.
func (s *Store) RegisterCacheFile(ctx context.Context, name string, mediaID int64, relativePath string, size int64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO cache_files (name, media_id, relative_path, size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (relative_path) DO UPDATE SET size = EXCLUDED.size, last_access = now()
		RETURNING id`, name, mediaID, relativePath, size).Scan(&id)
	if err != nil {
		return 0, &urpm.Error{Op: "index.RegisterCacheFile", Kind: urpm.ErrIndex, Message: "registering cache file", Inner: err}
	}
	return id, nil
}

// TouchCacheFile updates a file's LRU timestamp.
func (s *Store) TouchCacheFile(ctx context.Context, relativePath string) error {
	_, err := s.pool.Exec(ctx, `UPDATE cache_files SET last_access = now() WHERE relative_path = $1`, relativePath)
	return err
}

// DeleteCacheFile removes a file's accounting row. The caller is
// responsible for removing the underlying file from disk.
func (s *Store) DeleteCacheFile(ctx context.Context, relativePath string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cache_files WHERE relative_path = $1`, relativePath)
	return err
}

// CacheFiles lists every tracked cache file for a medium, oldest-accessed
// first (the order quota eviction consumes them in).
func (s *Store) CacheFiles(ctx context.Context, mediaID int64) ([]urpm.CacheFile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+cacheFileColumns+` FROM cache_files WHERE media_id = $1 ORDER BY last_access`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("index: listing cache files: %w", err)
	}
	defer rows.Close()
	var out []urpm.CacheFile
	for rows.Next() {
		c, err := scanCacheFile(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scanning cache file row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AllCacheFiles lists every tracked cache file across all media, the
// input of quota and retention eviction.
func (s *Store) AllCacheFiles(ctx context.Context) ([]urpm.CacheFile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+cacheFileColumns+` FROM cache_files ORDER BY media_id, relative_path`)
	if err != nil {
		return nil, fmt.Errorf("index: listing all cache files: %w", err)
	}
	defer rows.Close()
	var out []urpm.CacheFile
	for rows.Next() {
		c, err := scanCacheFile(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scanning cache file row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkReferenced sets the is_referenced flag of every cache file of a
// medium to referenced[relative_path]; a file whose relative path is
// absent from referenced is marked unreferenced. The download cache
// manager calls this so eviction only ever reclaims files no longer
// named by any package still in the index.
func (s *Store) MarkReferenced(ctx context.Context, mediaID int64, referenced map[string]bool) error {
	rows, err := s.pool.Query(ctx, `SELECT relative_path FROM cache_files WHERE media_id = $1`, mediaID)
	if err != nil {
		return fmt.Errorf("index: listing cache files for media: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("index: scanning cache file path: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("index: beginning mark-referenced transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, p := range paths {
		if _, err := tx.Exec(ctx, `UPDATE cache_files SET is_referenced = $1 WHERE relative_path = $2`, referenced[p], p); err != nil {
			return fmt.Errorf("index: updating reference flag: %w", err)
		}
	}
	return tx.Commit(ctx)
}

const peerDownloadColumns = `id, relative_path, peer_host, peer_port, downloaded_at, size, sha256, verified`

func scanPeerDownload(row interface{ Scan(...any) error }) (urpm.PeerDownload, error) {
	var pd urpm.PeerDownload
	var sha string
	err := row.Scan(&pd.ID, &pd.RelativePath, &pd.PeerHost, &pd.PeerPort, &pd.DownloadedAt, &pd.Size, &sha, &pd.Verified)
	if err != nil {
		return pd, err
	}
	if sha != "" {
		if d, perr := urpm.ParseDigest("sha256:" + sha); perr == nil {
			pd.SHA256 = d
		}
	}
	return pd, nil
}

// RecordPeerDownload logs provenance for a file fetched from a LAN peer
// rather than a configured server.
func (s *Store) RecordPeerDownload(ctx context.Context, pd urpm.PeerDownload) error {
	sha := ""
	if pd.SHA256.Algorithm() != "" {
		sha = hexOnly(pd.SHA256.String())
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO peer_downloads (relative_path, peer_host, peer_port, size, sha256, verified)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (relative_path) DO UPDATE SET peer_host = EXCLUDED.peer_host, peer_port = EXCLUDED.peer_port,
			downloaded_at = now(), size = EXCLUDED.size, sha256 = EXCLUDED.sha256, verified = EXCLUDED.verified`,
		pd.RelativePath, pd.PeerHost, pd.PeerPort, pd.Size, sha, pd.Verified)
	return err
}

func hexOnly(repr string) string {
	for i, c := range repr {
		if c == ':' {
			return repr[i+1:]
		}
	}
	return repr
}
