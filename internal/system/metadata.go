package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"nostr-engine/internal/filter"
	"nostr-engine/internal/metrics"
	"nostr-engine/internal/nostr"
	"nostr-engine/internal/types"
)

// ErrProfileNotFound is returned by Profile when no relay has a kind 0 event
var ErrProfileNotFound = errors.New("profile not found")

// TrackMetadata keeps the profiles of pubkeys fresh in the profile store
func (s *System) TrackMetadata(pubkeys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pk := range pubkeys {
		if pk != "" {
			s.wanted[pk] = struct{}{}
		}
	}
}

// UntrackMetadata stops refreshing the profiles of pubkeys
func (s *System) UntrackMetadata(pubkeys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pk := range pubkeys {
		delete(s.wanted, pk)
	}
}

func (s *System) metadataLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MetadataInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.refreshMetadata(s.ctx)
		}
	}
}

// refreshMetadata fetches tracked profiles that are missing from the store or
// older than ProfileCacheExpire.
func (s *System) refreshMetadata(ctx context.Context) {
	s.mu.Lock()
	pubkeys := make([]string, 0, len(s.wanted))
	for pk := range s.wanted {
		pubkeys = append(pubkeys, pk)
	}
	s.mu.Unlock()
	if len(pubkeys) == 0 {
		return
	}
	sort.Strings(pubkeys)

	cached := s.profiles.GetMultiple(ctx, pubkeys)
	staleBefore := s.now().Add(-s.cfg.ProfileCacheExpire).Unix()

	var missing []string
	for _, pk := range pubkeys {
		if c, ok := cached[pk]; !ok || c.FetchedAt < staleBefore {
			missing = append(missing, pk)
		}
	}
	if len(missing) == 0 {
		return
	}

	if _, err := s.loadProfiles(ctx, missing); err != nil {
		slog.Debug("metadata refresh failed", "pubkeys", len(missing), "error", err)
	}
}

// loadProfiles fetches kind 0 events for pubkeys from the durable relays and
// stores the newest profile of each. Pubkeys nothing was found for are stored
// as not found placeholders.
func (s *System) loadProfiles(ctx context.Context, pubkeys []string) (map[string]*types.ProfileInfo, error) {
	req := filter.NewRequest("profiles")
	req.WithFilter().Kinds(types.KindSetMetadata).Authors(pubkeys...)

	events, err := s.fetch(ctx, req, s.cfg.MetadataFetchTimeout, false)
	if err != nil && len(events) == 0 {
		return nil, err
	}

	profiles := make(map[string]*types.ProfileInfo, len(pubkeys))
	for _, pk := range pubkeys {
		profiles[pk] = nil
	}
	for _, ev := range events {
		current, wanted := profiles[ev.PubKey]
		if !wanted {
			continue
		}
		if current != nil && current.CreatedAt >= ev.CreatedAt {
			continue
		}
		if p := nostr.ParseProfile(ev); p != nil {
			profiles[ev.PubKey] = p
		}
	}

	if err := s.profiles.SetMultiple(ctx, profiles); err != nil {
		return profiles, fmt.Errorf("store profiles: %w", err)
	}

	found := 0
	for _, p := range profiles {
		if p != nil {
			found++
		}
	}
	slog.Debug("profiles loaded", "requested", len(pubkeys), "found", found)
	return profiles, nil
}

// Profile returns the profile of pubkey from the store, fetching it on a miss.
// Concurrent lookups of the same pubkey share one fetch.
func (s *System) Profile(ctx context.Context, pubkey string) (*types.ProfileInfo, error) {
	staleBefore := s.now().Add(-s.cfg.ProfileCacheExpire).Unix()
	if c, ok := s.profiles.GetMultiple(ctx, []string{pubkey})[pubkey]; ok && c.FetchedAt >= staleBefore {
		metrics.IncProfileHit()
		if c.NotFound || c.Profile == nil {
			return nil, ErrProfileNotFound
		}
		return c.Profile, nil
	}
	metrics.IncProfileMiss()

	v, err, _ := s.profileGroup.Do(pubkey, func() (interface{}, error) {
		profiles, err := s.loadProfiles(ctx, []string{pubkey})
		if err != nil && profiles == nil {
			return nil, err
		}
		return profiles[pubkey], nil
	})
	if err != nil {
		return nil, err
	}
	p, _ := v.(*types.ProfileInfo)
	if p == nil {
		return nil, ErrProfileNotFound
	}
	return p, nil
}
