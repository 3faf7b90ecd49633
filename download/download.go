// Package download implements urpm's downloader (C6): building the set
// of files a resolution requires, fetching them peer-first with
// mirror failover, verifying their integrity and GPG signature, and
// registering them in the index store's cache accounting tables.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/openpgp"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/internal/index"
	"github.com/urpmng/urpm/pkg/fastesturl"
	"github.com/urpmng/urpm/pkg/tmp"
	"github.com/urpmng/urpm/resolver"
)

// LocalRPMInfo maps a resolver action originating from @LocalRPMs back
// to the on-disk file the user named on the command line.
type LocalRPMInfo struct {
	NEVRA string
	Path  string
}

// DownloadItem is one file the downloader must fetch, resolved from a
// [resolver.PackageAction] plus its owning media's server set.
type DownloadItem struct {
	Name, Version, Release, Arch string
	MediaID                      int64
	MediaName                    string
	RelativePath                 string
	IsOfficial                   bool
	Servers                      []urpm.Server
	Size                         int64
	SHA256                       urpm.Digest
}

func (i DownloadItem) nevra() string {
	return i.Name + "-" + i.Version + "-" + i.Release + "." + i.Arch
}

func (i DownloadItem) filename() string {
	return i.nevra() + ".rpm"
}

// BuildDownloadItems emits one [DownloadItem] per INSTALL/UPGRADE/
// REINSTALL action not originating from @LocalRPMs; local-RPM actions
// instead contribute a direct path via localPaths' return value.
func BuildDownloadItems(ctx context.Context, store *index.Store, actions []resolver.PackageAction, localRPMs []LocalRPMInfo) (items []DownloadItem, localPaths []string, err error) {
	localByNEVRA := make(map[string]string, len(localRPMs))
	for _, l := range localRPMs {
		localByNEVRA[l.NEVRA] = l.Path
	}

	for _, act := range actions {
		switch act.Kind {
		case resolver.ActInstall, resolver.ActUpgrade, resolver.ActReinstall:
		default:
			continue
		}
		if act.Media == resolver.LocalRPMs {
			if p, ok := localByNEVRA[act.NEVRA]; ok {
				localPaths = append(localPaths, p)
			}
			continue
		}
		m, err := store.MediaByName(ctx, act.Media)
		if err != nil {
			return nil, nil, fmt.Errorf("download: resolving media %s for %s: %w", act.Media, act.NEVRA, err)
		}
		servers, err := store.ServersForMedia(ctx, m.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("download: loading servers for %s: %w", act.Media, err)
		}
		name, version, release, arch := splitNEVRA(act.NEVRA)
		pkg, err := store.PackageByNEVRA(ctx, m.ID, name, "", version, release, arch)
		if err != nil {
			return nil, nil, fmt.Errorf("download: looking up %s: %w", act.NEVRA, err)
		}
		items = append(items, DownloadItem{
			Name: name, Version: version, Release: release, Arch: arch,
			MediaID: m.ID, MediaName: m.Name, RelativePath: m.RelativePath,
			IsOfficial: m.Official, Servers: servers, Size: pkg.FileSize, SHA256: pkg.Fingerprint,
		})
	}
	return items, localPaths, nil
}

func splitNEVRA(nevra string) (name, version, release, arch string) {
	dot := lastIndex(nevra, '.')
	if dot == -1 {
		return nevra, "", "", ""
	}
	arch = nevra[dot+1:]
	rest := nevra[:dot]
	d2 := lastIndex(rest, '-')
	if d2 == -1 {
		return rest, "", "", arch
	}
	release = rest[d2+1:]
	rest = rest[:d2]
	d3 := lastIndex(rest, '-')
	if d3 == -1 {
		return rest, "", release, arch
	}
	return rest[:d3], rest[d3+1:], release, arch
}

func lastIndex(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// PeerSource abstracts the peer list a Downloader consults before
// falling back to mirrors.
type PeerSource interface {
	Peers(ctx context.Context) ([]urpm.Peer, error)
}

// Downloader fetches [DownloadItem]s peer-first, mirror-failover, into
// a cache root, registering each successful fetch in the index store.
type Downloader struct {
	Store     *index.Store
	CacheDir  string
	Hostname  string
	Client    *http.Client
	Peers     PeerSource
	UsePeers  bool
	OnlyPeers bool
	Keyring   openpgp.EntityList // RPM engine's --import'ed keys; nil disables GPG checks
	NoSig     bool               // --nosignature
}

// Stats summarizes one download_all run.
type Stats struct {
	Downloaded int
	Cached     int
	PeerHits   int
	Failed     []ItemError
}

// ItemError pairs a failed item with its error, for per-item partial
// failure reporting back to the caller.
type ItemError struct {
	Item DownloadItem
	Err  error
}

// ProgressFunc reports per-item download progress.
type ProgressFunc func(item DownloadItem, stage string)

// DownloadAll fetches every item, preferring peers, falling back to
// the item's servers in priority order, and registers each result in
// the cache tables. Partial failures are collected in Stats.Failed;
// the caller decides whether to abort the transaction.
func (d *Downloader) DownloadAll(ctx context.Context, items []DownloadItem, progress ProgressFunc) (Stats, error) {
	var stats Stats
	for _, item := range items {
		if progress != nil {
			progress(item, "start")
		}
		dest := filepath.Join(d.CacheDir, d.Hostname, item.MediaName, item.filename())
		if fi, err := os.Stat(dest); err == nil && fi.Size() == item.Size {
			stats.Cached++
			if progress != nil {
				progress(item, "cached")
			}
			if err := d.Store.TouchCacheFile(ctx, relPath(item, d.Hostname)); err != nil {
				return stats, fmt.Errorf("download: touching cache file: %w", err)
			}
			continue
		}

		fromPeer, peer, err := d.fetchOne(ctx, item, dest)
		if err != nil {
			stats.Failed = append(stats.Failed, ItemError{Item: item, Err: err})
			if progress != nil {
				progress(item, "failed")
			}
			continue
		}
		if fromPeer {
			stats.PeerHits++
		} else {
			stats.Downloaded++
		}

		if _, err := d.Store.RegisterCacheFile(ctx, item.filename(), item.MediaID, relPath(item, d.Hostname), item.Size); err != nil {
			return stats, fmt.Errorf("download: registering cache file: %w", err)
		}
		if fromPeer {
			if err := d.Store.RecordPeerDownload(ctx, urpm.PeerDownload{
				RelativePath: relPath(item, d.Hostname), PeerHost: peer.Host, PeerPort: peer.Port,
				Size: item.Size, SHA256: item.SHA256, Verified: true,
			}); err != nil {
				return stats, fmt.Errorf("download: recording peer download: %w", err)
			}
		}
		if progress != nil {
			progress(item, "done")
		}
	}
	return stats, nil
}

func relPath(item DownloadItem, hostname string) string {
	return filepath.Join(hostname, item.MediaName, item.filename())
}

// fetchOne tries the peer list first (unless disabled), then the
// item's servers in priority order.
func (d *Downloader) fetchOne(ctx context.Context, item DownloadItem, dest string) (fromPeer bool, peer urpm.Peer, err error) {
	if d.UsePeers && d.Peers != nil {
		peers, perr := d.Peers.Peers(ctx)
		if perr == nil {
			for _, p := range peers {
				u := fmt.Sprintf("http://%s:%d/medias/%s/%s", p.Host, p.Port, item.MediaName, item.filename())
				if err := d.fetchAndVerify(ctx, []string{u}, dest, item); err == nil {
					return true, p, nil
				}
			}
		}
	}
	if d.OnlyPeers {
		return false, urpm.Peer{}, fmt.Errorf("download: no peer served %s and only_peers is set", item.filename())
	}

	var urls []string
	sort.SliceStable(item.Servers, func(i, j int) bool { return item.Servers[i].Priority > item.Servers[j].Priority })
	for _, sv := range item.Servers {
		if !sv.Enabled {
			continue
		}
		urls = append(urls, sv.BaseURL()+"/"+path.Join(item.RelativePath, item.filename()))
	}
	if len(urls) == 0 {
		return false, urpm.Peer{}, fmt.Errorf("download: no enabled server offers %s", item.MediaName)
	}
	return false, urpm.Peer{}, d.fetchAndVerify(ctx, urls, dest, item)
}

// fetchAndVerify races urls via fastesturl, streams the winner to a
// temp file hashing as it goes, verifies the SHA-256 against the
// synthesis-recorded digest, optionally checks the GPG signature, and
// atomically renames into dest.
func (d *Downloader) fetchAndVerify(ctx context.Context, urls []string, dest string, item DownloadItem) error {
	parsed := make([]*url.URL, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		parsed = append(parsed, u)
	}
	if len(parsed) == 0 {
		return fmt.Errorf("download: no valid URLs for %s", item.filename())
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequest(http.MethodGet, parsed[0].String(), nil)
	if err != nil {
		return err
	}
	fu := fastesturl.New(client, req, nil, parsed)
	resp := fu.Do(ctx)
	if resp == nil {
		return fmt.Errorf("download: no server answered for %s", item.filename())
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("download: creating cache directory: %w", err)
	}
	scratch, err := tmp.NewFile(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("download: creating scratch file: %w", err)
	}
	defer scratch.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(scratch.File, h), resp.Body); err != nil {
		return &urpm.Error{Op: "download.fetchAndVerify", Kind: urpm.ErrNetwork, Message: "streaming body", Inner: err}
	}

	if item.SHA256.Algorithm() != "" {
		got := "sha256:" + hex.EncodeToString(h.Sum(nil))
		if got != item.SHA256.String() {
			return &urpm.Error{Op: "download.fetchAndVerify", Kind: urpm.ErrIntegrity, Message: fmt.Sprintf("SHA-256 mismatch for %s: got %s want %s", item.filename(), got, item.SHA256)}
		}
	}
	if !d.NoSig && d.Keyring != nil {
		if err := verifySignature(scratch.Name(), d.Keyring); err != nil {
			return &urpm.Error{Op: "download.fetchAndVerify", Kind: urpm.ErrIntegrity, Message: "GPG verification failed", Inner: err}
		}
	}

	if err := os.Rename(scratch.Name(), dest); err != nil {
		return fmt.Errorf("download: renaming into place: %w", err)
	}
	return nil
}

// verifySignature checks the ASCII-armored detached signature stored
// beside path (path+".asc") against keyring. It returns nil when no such
// file exists. The signature embedded in the RPM's own signature header
// is not examined.
func verifySignature(path string, keyring openpgp.EntityList) error {
	sigPath := path + ".asc"
	sig, err := os.Open(sigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no detached signature published for this file
		}
		return err
	}
	defer sig.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = openpgp.CheckArmoredDetachedSignature(keyring, f, sig, nil)
	return err
}
