// Package state holds the plugin's persisted settings: which groups have
// conversion enabled, the bilibili cookie string, and the height/size caps.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoState is returned by a Store that has nothing persisted yet.
var ErrNoState = errors.New("no persisted state")

// Snapshot is the serialized form of PluginState.
type Snapshot struct {
	EnabledGroups  []int64 `json:"enabled_groups"`
	BilibiliCookie string  `json:"bilibili_cookie"`
	MaxHeight      int     `json:"max_height"`
	MaxFileSizeMB  int     `json:"max_filesize_mb"`
}

// Store loads and saves snapshots. Save always rewrites the whole record.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Limits is a read-only view used by the downloader and the status command.
type Limits struct {
	Cookie        string
	MaxHeight     int
	MaxFileSizeMB int
	GroupCount    int
}

// PluginState is the process-wide settings aggregate.
type PluginState struct {
	mu            sync.RWMutex
	groups        map[int64]struct{}
	cookie        string
	maxHeight     int
	maxFileSizeMB int

	store  Store
	logger zerolog.Logger
}

// Open loads state from store. A missing or unreadable record falls back to
// the empty default, which is persisted immediately.
func Open(ctx context.Context, store Store, logger zerolog.Logger) (*PluginState, error) {
	s := &PluginState{
		groups: make(map[int64]struct{}),
		store:  store,
		logger: logger,
	}

	snap, err := store.Load(ctx)
	if err == nil {
		s.apply(snap)
		l := s.Limits()
		logger.Info().
			Int("groups", l.GroupCount).
			Bool("cookie", l.Cookie != "").
			Int("max_height", l.MaxHeight).
			Int("max_filesize_mb", l.MaxFileSizeMB).
			Msg("loaded state")
		return s, nil
	}
	if !errors.Is(err, ErrNoState) {
		logger.Warn().Err(err).Msg("failed to read state, using empty default")
	}

	if err := s.persist(ctx); err != nil {
		return nil, fmt.Errorf("save default state: %w", err)
	}
	return s, nil
}

func (s *PluginState) apply(snap *Snapshot) {
	s.groups = make(map[int64]struct{}, len(snap.EnabledGroups))
	for _, g := range snap.EnabledGroups {
		s.groups[g] = struct{}{}
	}
	s.cookie = snap.BilibiliCookie
	s.maxHeight = max(snap.MaxHeight, 0)
	s.maxFileSizeMB = max(snap.MaxFileSizeMB, 0)
}

// Snapshot returns the serialized form with groups sorted ascending.
func (s *PluginState) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{
		EnabledGroups:  s.sortedGroupsLocked(),
		BilibiliCookie: s.cookie,
		MaxHeight:      s.maxHeight,
		MaxFileSizeMB:  s.maxFileSizeMB,
	}
}

func (s *PluginState) sortedGroupsLocked() []int64 {
	out := make([]int64, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *PluginState) persist(ctx context.Context) error {
	if err := s.store.Save(ctx, s.Snapshot()); err != nil {
		s.logger.Error().Err(err).Msg("failed to save state")
		return err
	}
	s.logger.Debug().Msg("state saved")
	return nil
}

// IsEnabled reports whether conversion is on for the group.
func (s *PluginState) IsEnabled(groupID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[groupID]
	return ok
}

// Groups returns the enabled groups sorted ascending.
func (s *PluginState) Groups() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedGroupsLocked()
}

func (s *PluginState) Limits() Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Limits{
		Cookie:        s.cookie,
		MaxHeight:     s.maxHeight,
		MaxFileSizeMB: s.maxFileSizeMB,
		GroupCount:    len(s.groups),
	}
}

func (s *PluginState) EnableGroup(ctx context.Context, groupID int64) error {
	s.mu.Lock()
	s.groups[groupID] = struct{}{}
	s.mu.Unlock()
	return s.persist(ctx)
}

// DisableGroup removes the group. It reports false, without persisting, when
// the group was not enabled.
func (s *PluginState) DisableGroup(ctx context.Context, groupID int64) (bool, error) {
	s.mu.Lock()
	if _, ok := s.groups[groupID]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.groups, groupID)
	s.mu.Unlock()
	return true, s.persist(ctx)
}

func (s *PluginState) SetCookie(ctx context.Context, cookie string) error {
	s.mu.Lock()
	s.cookie = cookie
	s.mu.Unlock()
	return s.persist(ctx)
}

// SetMaxHeight stores the height cap; negative values become 0 (unlimited).
func (s *PluginState) SetMaxHeight(ctx context.Context, h int) error {
	s.mu.Lock()
	s.maxHeight = max(h, 0)
	s.mu.Unlock()
	return s.persist(ctx)
}

// SetMaxFileSizeMB stores the size cap; negative values become 0 (unlimited).
func (s *PluginState) SetMaxFileSizeMB(ctx context.Context, mb int) error {
	s.mu.Lock()
	s.maxFileSizeMB = max(mb, 0)
	s.mu.Unlock()
	return s.persist(ctx)
}
