package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Config-table-driven package policy. blacklist and redlist are
// comma-separated glob lists (rpmsrate's BLACKLIST/RED sections);
// kernel_keep_count bounds how many old kernel packages survive an
// upgrade transaction. These live as ordinary rows rather than a
// compiled-in table so policy changes never require a migration.

// ConfigValue reads a single config key, returning "" if unset.
func (s *Store) ConfigValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&v)
	if err != nil {
		return "", nil
	}
	return v, nil
}

// SetConfigValue upserts a config key.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("index: setting config %q: %w", key, err)
	}
	return nil
}

// Blacklist returns the configured blacklist patterns: packages these
// glob-match are never selected as install candidates.
func (s *Store) Blacklist(ctx context.Context) ([]string, error) {
	return s.configList(ctx, "blacklist")
}

// Redlist returns the configured redlist patterns: packages these
// glob-match require an explicit --allow-redlist override to install.
func (s *Store) Redlist(ctx context.Context) ([]string, error) {
	return s.configList(ctx, "redlist")
}

// KernelKeepCount returns how many old kernel packages an upgrade
// transaction leaves installed alongside the new one.
func (s *Store) KernelKeepCount(ctx context.Context) (int, error) {
	v, err := s.ConfigValue(ctx, "kernel_keep_count")
	if err != nil || v == "" {
		return 2, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 2, nil
	}
	return n, nil
}

func (s *Store) configList(ctx context.Context, key string) ([]string, error) {
	v, err := s.ConfigValue(ctx, key)
	if err != nil || v == "" {
		return nil, err
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
