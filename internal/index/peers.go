package index

import (
	"context"
	"fmt"
	"time"

	"github.com/urpmng/urpm"
)

// UpsertPeer records or refreshes a peer observed over discovery, keyed
// on (Host, Port).
func (s *Store) UpsertPeer(ctx context.Context, p urpm.Peer) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO peers (host, port, version, local_version, local_arch, served_media, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (host, port) DO UPDATE SET version = EXCLUDED.version, local_version = EXCLUDED.local_version,
			local_arch = EXCLUDED.local_arch, served_media = EXCLUDED.served_media, last_seen = now()`,
		p.Host, p.Port, p.Version, p.LocalVersion, p.LocalArch, p.ServedMedia)
	if err != nil {
		return &urpm.Error{Op: "index.UpsertPeer", Kind: urpm.ErrIndex, Message: "upserting peer", Inner: err}
	}
	return nil
}

// Peers lists every known peer, most recently seen first.
func (s *Store) Peers(ctx context.Context) ([]urpm.Peer, error) {
	rows, err := s.pool.Query(ctx, `SELECT host, port, version, local_version, local_arch, served_media, last_seen
		FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("index: listing peers: %w", err)
	}
	defer rows.Close()
	var out []urpm.Peer
	for rows.Next() {
		var p urpm.Peer
		if err := rows.Scan(&p.Host, &p.Port, &p.Version, &p.LocalVersion, &p.LocalArch, &p.ServedMedia, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("index: scanning peer row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PrunePeers deletes peers not seen within maxAge of now, called
// periodically so a host that vanished without a goodbye announce
// doesn't linger forever.
func (s *Store) PrunePeers(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM peers WHERE last_seen < $1`, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("index: pruning peers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BlacklistPeer excludes a host (optionally scoped to a single port) from
// peer sourcing.
func (s *Store) BlacklistPeer(ctx context.Context, b urpm.PeerBlacklist) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO peer_blacklist (host, port, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (host, port) DO UPDATE SET reason = EXCLUDED.reason, at = now()
		RETURNING id`, b.Host, b.Port, b.Reason).Scan(&id)
	if err != nil {
		return 0, &urpm.Error{Op: "index.BlacklistPeer", Kind: urpm.ErrIndex, Message: "blacklisting peer", Inner: err}
	}
	return id, nil
}

// IsBlacklisted reports whether host is blacklisted either globally
// (port 0) or for the specific port.
func (s *Store) IsBlacklisted(ctx context.Context, host string, port int) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM peer_blacklist WHERE host = $1 AND (port = 0 OR port = $2)`, host, port).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("index: checking blacklist: %w", err)
	}
	return n > 0, nil
}
