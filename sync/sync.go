// Package sync implements urpm's media synchronization pipeline (C4):
// fetching a medium's synthesis metadata from its configured servers,
// detecting whether it changed, and reloading it into the index store.
package sync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/codec"
	"github.com/urpmng/urpm/internal/index"
	"github.com/urpmng/urpm/locksource"
	"github.com/urpmng/urpm/osrelease"
	"github.com/urpmng/urpm/pkg/fastesturl"
	"github.com/urpmng/urpm/pkg/tmp"
	"github.com/urpmng/urpm/synthesis"
)

// Progress reports one step of a sync_all_media run: the medium being
// worked, a short stage tag, and a current/total counter pair.
type Progress func(mediaName, stage string, current, total int)

// Result is the outcome of one medium's sync.
type Result struct {
	Media    string
	Skipped  bool
	Imported int
	Err      error
}

// Syncer drives media synchronization against an index store and a
// local cache root.
type Syncer struct {
	Store    *index.Store
	CacheDir string // e.g. <base>/medias
	Hostname string
	Client   *http.Client
	// Locks serializes concurrent syncs of the same medium. A nil value
	// defaults to a process-local lock, adequate for a single daemon;
	// a distributed deployment should supply a shared [locksource.ContextLock].
	Locks locksource.ContextLock
}

func (s *Syncer) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// processLocks is the process-local lock shared by every Syncer that
// has no Locks of its own.
var processLocks locksource.Local

func (s *Syncer) locks() locksource.ContextLock {
	if s.Locks != nil {
		return s.Locks
	}
	return &processLocks
}

// SyncMedia implements sync_media: it resolves m, checks whether its
// synthesis changed, and if so re-downloads and re-imports it.
func (s *Syncer) SyncMedia(ctx context.Context, mediaName string, force bool) (Result, error) {
	const op = "sync.SyncMedia"
	res := Result{Media: mediaName}

	lctx, cancel := s.locks().Lock(ctx, "media:"+mediaName)
	defer cancel()
	ctx = lctx

	m, err := s.Store.MediaByName(ctx, mediaName)
	if err != nil {
		return res, &urpm.Error{Op: op, Kind: urpm.ErrIndex, Message: "resolving media " + mediaName, Inner: err}
	}
	if !m.Enabled {
		return res, &urpm.Error{Op: op, Kind: urpm.ErrResolution, Message: "media " + mediaName + " is disabled"}
	}

	servers, err := s.Store.ServersForMedia(ctx, m.ID)
	if err != nil {
		return res, &urpm.Error{Op: op, Kind: urpm.ErrIndex, Message: "loading servers for " + mediaName, Inner: err}
	}
	servers = enabledOnly(servers)
	if len(servers) == 0 {
		return res, &urpm.Error{Op: op, Kind: urpm.ErrNetwork, Message: "no enabled server for media " + mediaName}
	}
	tier := topPriorityTier(servers)

	md5sum, err := s.fetchText(ctx, tier, m.RelativePath, "media_info/MD5SUM")
	if err != nil {
		return res, &urpm.Error{Op: op, Kind: urpm.ErrNetwork, Message: "fetching MD5SUM", Inner: err}
	}
	digest, ok := parseMD5SUM(md5sum, "synthesis.hdlist.cz")
	if !ok {
		return res, &urpm.Error{Op: op, Kind: urpm.ErrParse, Message: "MD5SUM has no entry for synthesis.hdlist.cz"}
	}
	if !force && digest == m.LastSynthesis {
		res.Skipped = true
		return res, nil
	}

	scratch, err := tmp.NewFile("", "urpm-sync-*")
	if err != nil {
		return res, &urpm.Error{Op: op, Kind: urpm.ErrNetwork, Message: "creating scratch file", Inner: err}
	}
	defer scratch.Close()

	sum, err := s.fetchToFile(ctx, tier, m.RelativePath, "media_info/synthesis.hdlist.cz", scratch.File)
	if err != nil {
		return res, &urpm.Error{Op: op, Kind: urpm.ErrNetwork, Message: "downloading synthesis", Inner: err}
	}
	if sum != digest {
		return res, &urpm.Error{Op: op, Kind: urpm.ErrIntegrity, Message: fmt.Sprintf("synthesis MD5 mismatch: got %s want %s", sum, digest)}
	}

	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return res, fmt.Errorf("%s: rewinding scratch file: %w", op, err)
	}
	raw, err := io.ReadAll(scratch)
	if err != nil {
		return res, fmt.Errorf("%s: reading scratch file: %w", op, err)
	}
	plain, err := codec.DecompressBytes(raw)
	if err != nil {
		return res, fmt.Errorf("%s: decompressing synthesis: %w", op, err)
	}

	recs := synthesis.Parse(strings.NewReader(string(plain)))
	count, err := s.Store.ImportPackages(ctx, m.ID, urpm.SourceSynthesis, recs)
	if err != nil {
		return res, fmt.Errorf("%s: importing packages: %w", op, err)
	}
	res.Imported = count

	destDir := filepath.Join(s.CacheDir, s.Hostname, m.Name, "media_info")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return res, fmt.Errorf("%s: creating cache dir: %w", op, err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "synthesis.hdlist.cz"), raw, 0o644); err != nil {
		return res, fmt.Errorf("%s: writing cached synthesis: %w", op, err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "MD5SUM"), []byte(md5sum), 0o644); err != nil {
		return res, fmt.Errorf("%s: writing cached MD5SUM: %w", op, err)
	}

	if err := s.Store.SetMediaSynthesisDigest(ctx, m.ID, digest); err != nil {
		return res, fmt.Errorf("%s: updating media synthesis digest: %w", op, err)
	}
	return res, nil
}

// SyncAll parallelizes SyncMedia over a bounded worker pool, restricted
// to media whose mageia_version is in the accepted-versions set.
func (s *Syncer) SyncAll(ctx context.Context, force bool, workers int, progress Progress) ([]Result, error) {
	if workers <= 0 {
		workers = 4
	}
	all, err := s.Store.Media(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync.SyncAll: listing media: %w", err)
	}
	accepted, err := AcceptedVersions(ctx, s.Store, nil)
	if err != nil {
		return nil, err
	}
	var targets []urpm.Media
	for _, m := range all {
		if m.Enabled && accepted[m.MageiaVersion] {
			targets = append(targets, m)
		}
	}

	total := len(targets)
	results := make([]Result, total)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(workers)
	for i, m := range targets {
		i, m := i, m
		grp.Go(func() error {
			if progress != nil {
				progress(m.Name, "start", i+1, total)
			}
			res, err := s.SyncMedia(gctx, m.Name, force)
			if err != nil {
				res.Err = err
				zlog.Error(gctx).Str("media", m.Name).Err(err).Msg("media sync failed")
			}
			results[i] = res
			if progress != nil {
				stage := "done"
				if res.Skipped {
					stage = "skipped"
				}
				progress(m.Name, stage, i+1, total)
			}
			return nil // a single medium's failure never aborts the group
		})
	}
	_ = grp.Wait()
	return results, nil
}

// AcceptedVersions enumerates the set of mageia_version tags the
// resolver and sync pipeline are permitted to operate against. With no
// version-mode config value the set is the host's detected version plus
// "cauldron", and a conflict (both host-version and "cauldron" media
// enabled) is reported as an error; version-mode "system" narrows the set
// to the host version and "cauldron" to "cauldron" alone. Any other
// version-mode value is an error.
func AcceptedVersions(ctx context.Context, store *index.Store, osInfo *osrelease.Info) (map[string]bool, error) {
	const op = "sync.AcceptedVersions"
	if osInfo == nil {
		info, err := osrelease.Read(ctx, osrelease.DefaultPath)
		if err != nil {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrResolution, Message: "detecting host distro version", Inner: err}
		}
		osInfo = &info
	}
	hostVersion := osInfo.VersionID

	mode, err := store.ConfigValue(ctx, "version-mode")
	if err != nil {
		return nil, fmt.Errorf("%s: reading version-mode: %w", op, err)
	}

	media, err := store.Media(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: listing media: %w", op, err)
	}
	var hostEnabled, cauldronEnabled bool
	for _, m := range media {
		if !m.Enabled {
			continue
		}
		switch m.MageiaVersion {
		case hostVersion:
			hostEnabled = true
		case "cauldron":
			cauldronEnabled = true
		}
	}

	switch mode {
	case "system":
		return map[string]bool{hostVersion: true}, nil
	case "cauldron":
		return map[string]bool{"cauldron": true}, nil
	case "":
		if hostEnabled && cauldronEnabled {
			return nil, &urpm.Error{Op: op, Kind: urpm.ErrResolution,
				Message: fmt.Sprintf("both %s and cauldron media are enabled; set config version-mode to system or cauldron", hostVersion)}
		}
		return map[string]bool{hostVersion: true, "cauldron": true}, nil
	default:
		return nil, &urpm.Error{Op: op, Kind: urpm.ErrResolution, Message: "unrecognized version-mode " + mode}
	}
}

func enabledOnly(servers []urpm.Server) []urpm.Server {
	out := servers[:0:0]
	for _, s := range servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// topPriorityTier returns the subset of (already priority-descending)
// servers sharing the highest priority value, the set SyncMedia races
// requests across via [fastesturl].
func topPriorityTier(servers []urpm.Server) []urpm.Server {
	if len(servers) == 0 {
		return nil
	}
	sort.SliceStable(servers, func(i, j int) bool { return servers[i].Priority > servers[j].Priority })
	top := servers[0].Priority
	var out []urpm.Server
	for _, s := range servers {
		if s.Priority != top {
			break
		}
		out = append(out, s)
	}
	return out
}

func (s *Syncer) urls(servers []urpm.Server, relativePath, file string) []*url.URL {
	var out []*url.URL
	for _, sv := range servers {
		base := sv.BaseURL()
		u, err := url.Parse(base + "/" + path.Join(relativePath, file))
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// fetchText races GET requests across servers' top priority tier and
// returns the first server's body as a string.
func (s *Syncer) fetchText(ctx context.Context, servers []urpm.Server, relativePath, file string) (string, error) {
	urls := s.urls(servers, relativePath, file)
	if len(urls) == 0 {
		return "", errors.New("no candidate URLs")
	}
	req, err := http.NewRequest(http.MethodGet, urls[0].String(), nil)
	if err != nil {
		return "", err
	}
	fu := fastesturl.New(s.client(), req, nil, urls)
	resp := fu.Do(ctx)
	if resp == nil {
		return "", errors.New("no server answered")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// fetchToFile races the same request set but streams the winning body
// into dst, returning its hex MD5.
func (s *Syncer) fetchToFile(ctx context.Context, servers []urpm.Server, relativePath, file string, dst io.Writer) (string, error) {
	urls := s.urls(servers, relativePath, file)
	if len(urls) == 0 {
		return "", errors.New("no candidate URLs")
	}
	req, err := http.NewRequest(http.MethodGet, urls[0].String(), nil)
	if err != nil {
		return "", err
	}
	fu := fastesturl.New(s.client(), req, nil, urls)
	resp := fu.Do(ctx)
	if resp == nil {
		return "", errors.New("no server answered")
	}
	defer resp.Body.Close()
	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), resp.Body); err != nil {
		return "", fmt.Errorf("streaming body: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parseMD5SUM scans the "<md5>  <filename>" lines of an MD5SUM file,
// tolerating a leading "./" on the filename, and returns the digest for
// name.
func parseMD5SUM(body, name string) (string, bool) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		fn := strings.TrimPrefix(fields[len(fields)-1], "./")
		if fn == name {
			return fields[0], true
		}
	}
	return "", false
}
