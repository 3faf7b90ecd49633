package urpm

import "time"

// CacheFile is a persisted RPM file under the cache root.
//
// IsReferenced is true iff Name's NEVRA currently appears in the
// owning media's synthesis; it is recomputed by the download cache
// manager (MarkReferenced) and consumed by quota/retention eviction.
type CacheFile struct {
	ID      int64
	Name    string
	MediaID int64

	RelativePath string
	Size         int64

	IsReferenced bool
	LastAccess   time.Time
}

// PeerDownload is provenance for a [CacheFile] obtained from a LAN peer
// rather than a configured [Server]. Unique on the file's relative path.
type PeerDownload struct {
	ID           int64
	RelativePath string

	PeerHost     string
	PeerPort     int
	DownloadedAt time.Time
	Size         int64
	SHA256       Digest
	Verified     bool
}
