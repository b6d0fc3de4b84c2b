package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/rs/zerolog/log"
)

// ErrPackNotFound is returned when no pack exists for a vertical.
var ErrPackNotFound = errors.New("configuration pack not found")

// PackSource returns the raw pack document for a vertical key.
type PackSource interface {
	Read(ctx context.Context, vertical string) ([]byte, error)
}

// ── Directory source ─────────────────────────────────────────

// DirSource reads packs from <dir>/<vertical>.yaml (or .yml).
type DirSource struct {
	Dir string
}

// NewDirSource creates a DirSource rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

func (s *DirSource) Read(_ context.Context, vertical string) ([]byte, error) {
	if vertical == "" || strings.ContainsAny(vertical, `/\`) || strings.HasPrefix(vertical, ".") {
		return nil, fmt.Errorf("vertical %q: %w", vertical, ErrPackNotFound)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		data, err := os.ReadFile(filepath.Join(s.Dir, vertical+ext))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read pack %s: %w", vertical, err)
		}
	}
	return nil, fmt.Errorf("vertical %q: %w", vertical, ErrPackNotFound)
}

// VerticalFromPath maps a pack file path back to its vertical key.
// ok is false for files that are not packs.
func VerticalFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext != ".yaml" && ext != ".yml" {
		return "", false
	}
	v := strings.TrimSuffix(base, ext)
	if v == "" || strings.HasPrefix(v, ".") {
		return "", false
	}
	return v, true
}

// ── Static source ────────────────────────────────────────────

// StaticSource serves packs from memory. Used for embedded defaults and tests.
type StaticSource map[string][]byte

func (s StaticSource) Read(_ context.Context, vertical string) ([]byte, error) {
	data, ok := s[vertical]
	if !ok {
		return nil, fmt.Errorf("vertical %q: %w", vertical, ErrPackNotFound)
	}
	return data, nil
}

// ── KV read-through ──────────────────────────────────────────

// CachedSource is a read-through cache over another source, backed by the
// shared KV. Any KV error degrades to reading the underlying source.
type CachedSource struct {
	next PackSource
	kv   cache.KV
	ttl  time.Duration
}

// NewCachedSource wraps next with a KV read-through cache.
func NewCachedSource(next PackSource, kv cache.KV, ttl time.Duration) *CachedSource {
	return &CachedSource{next: next, kv: kv, ttl: ttl}
}

func packKey(vertical string) string {
	return "pack:" + vertical
}

func (s *CachedSource) Read(ctx context.Context, vertical string) ([]byte, error) {
	v, err := s.kv.Get(ctx, packKey(vertical))
	switch {
	case err == nil:
		return []byte(v), nil
	case errors.Is(err, cache.ErrMiss):
	default:
		log.Warn().Err(err).Str("vertical", vertical).Msg("Pack cache read failed, reading source")
	}

	data, err := s.next.Read(ctx, vertical)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(ctx, packKey(vertical), string(data), s.ttl); err != nil {
		log.Warn().Err(err).Str("vertical", vertical).Msg("Pack cache write failed")
	}
	return data, nil
}

// Forget drops the cached copy of a vertical's pack.
func (s *CachedSource) Forget(ctx context.Context, vertical string) {
	if err := s.kv.Delete(ctx, packKey(vertical)); err != nil {
		log.Warn().Err(err).Str("vertical", vertical).Msg("Pack cache delete failed")
	}
}
