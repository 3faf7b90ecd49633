package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/urpmng/urpm"
	"github.com/urpmng/urpm/internal/index"
)

// CacheManager enforces retention and quota policy over the on-disk
// cache, backed by the index store's cache_files accounting table.
type CacheManager struct {
	Store    *index.Store
	CacheDir string
	Hostname string
	// GlobalQuotaMB bounds the cache root as a whole, applied after
	// every per-media quota.
	GlobalQuotaMB int64
}

// EvictionReport summarizes one enforce_quotas run.
type EvictionReport struct {
	UnreferencedRemoved int
	RetentionRemoved    int
	MediaQuotaRemoved   int
	GlobalQuotaRemoved  int
	BytesFreed          int64
	DryRun              bool
}

// EnforceQuotas runs the four eviction passes spec §4.6 describes:
// unreferenced files, media retention windows, per-media quotas, then
// the global quota. When dryRun is true, nothing is deleted; the
// report still reflects what would have been.
func (c *CacheManager) EnforceQuotas(ctx context.Context, dryRun bool) (EvictionReport, error) {
	var rep EvictionReport
	rep.DryRun = dryRun

	all, err := c.Store.AllCacheFiles(ctx)
	if err != nil {
		return rep, fmt.Errorf("download: listing cache files: %w", err)
	}

	// Pass 1: unreferenced.
	var remaining []urpm.CacheFile
	for _, f := range all {
		if !f.IsReferenced {
			rep.UnreferencedRemoved++
			rep.BytesFreed += f.Size
			if !dryRun {
				if err := c.remove(ctx, f); err != nil {
					return rep, err
				}
			}
			continue
		}
		remaining = append(remaining, f)
	}

	// Pass 2: per-media retention windows, unreferenced-only semantics
	// already excluded them above; retention additionally ages out
	// referenced-but-stale files for media that set retention_days.
	media, err := c.Store.Media(ctx)
	if err != nil {
		return rep, fmt.Errorf("download: listing media: %w", err)
	}
	retentionDays := make(map[int64]int, len(media))
	quotaMB := make(map[int64]int64, len(media))
	for _, m := range media {
		retentionDays[m.ID] = m.RetentionDays
		quotaMB[m.ID] = m.QuotaMB
	}

	now := time.Now()
	var afterRetention []urpm.CacheFile
	for _, f := range remaining {
		days, ok := retentionDays[f.MediaID]
		if ok && days > 0 && now.Sub(f.LastAccess) > time.Duration(days)*24*time.Hour {
			rep.RetentionRemoved++
			rep.BytesFreed += f.Size
			if !dryRun {
				if err := c.remove(ctx, f); err != nil {
					return rep, err
				}
			}
			continue
		}
		afterRetention = append(afterRetention, f)
	}

	// Pass 3: per-media quota, LRU eviction.
	byMedia := make(map[int64][]urpm.CacheFile)
	for _, f := range afterRetention {
		byMedia[f.MediaID] = append(byMedia[f.MediaID], f)
	}
	var afterMediaQuota []urpm.CacheFile
	for mediaID, files := range byMedia {
		quota := quotaMB[mediaID] * 1024 * 1024
		sort.Slice(files, func(i, j int) bool { return files[i].LastAccess.Before(files[j].LastAccess) })
		var total int64
		for _, f := range files {
			total += f.Size
		}
		kept := files
		if quota > 0 {
			for total > quota && len(kept) > 0 {
				victim := kept[0]
				kept = kept[1:]
				total -= victim.Size
				rep.MediaQuotaRemoved++
				rep.BytesFreed += victim.Size
				if !dryRun {
					if err := c.remove(ctx, victim); err != nil {
						return rep, err
					}
				}
			}
		}
		afterMediaQuota = append(afterMediaQuota, kept...)
	}

	// Pass 4: global quota, identical LRU logic across everything left.
	if c.GlobalQuotaMB > 0 {
		quota := c.GlobalQuotaMB * 1024 * 1024
		sort.Slice(afterMediaQuota, func(i, j int) bool {
			return afterMediaQuota[i].LastAccess.Before(afterMediaQuota[j].LastAccess)
		})
		var total int64
		for _, f := range afterMediaQuota {
			total += f.Size
		}
		for total > quota && len(afterMediaQuota) > 0 {
			victim := afterMediaQuota[0]
			afterMediaQuota = afterMediaQuota[1:]
			total -= victim.Size
			rep.GlobalQuotaRemoved++
			rep.BytesFreed += victim.Size
			if !dryRun {
				if err := c.remove(ctx, victim); err != nil {
					return rep, err
				}
			}
		}
	}

	return rep, nil
}

func (c *CacheManager) remove(ctx context.Context, f urpm.CacheFile) error {
	if err := c.Store.DeleteCacheFile(ctx, f.RelativePath); err != nil {
		return fmt.Errorf("download: deleting cache row for %s: %w", f.RelativePath, err)
	}
	full := filepath.Join(c.CacheDir, f.RelativePath)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("download: removing cache file %s: %w", full, err)
	}
	return nil
}

// MarkUnreferenced is called at the end of every sync; it flags every
// cache row belonging to mediaID whose filename is absent from
// currentFilenames as unreferenced, so the next enforce_quotas pass can
// reclaim it.
func (c *CacheManager) MarkUnreferenced(ctx context.Context, mediaID int64, currentFilenames []string) error {
	present := make(map[string]bool, len(currentFilenames))
	for _, n := range currentFilenames {
		present[n] = true
	}
	files, err := c.Store.CacheFiles(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("download: listing cache files for media: %w", err)
	}
	referenced := make(map[string]bool, len(files))
	for _, f := range files {
		referenced[f.RelativePath] = present[f.Name]
	}
	return c.Store.MarkReferenced(ctx, mediaID, referenced)
}
