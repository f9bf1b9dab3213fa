package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nostr-engine/internal/types"
)

const profilePrefix = "profile:"

// ProfileCache provides typed access to cached kind 0 profiles. A nil profile
// is stored as a "not found" placeholder with a shorter TTL.
type ProfileCache struct {
	backend Backend
	config  Config
	now     func() time.Time
}

func NewProfileCache(backend Backend, config Config) *ProfileCache {
	return &ProfileCache{backend: backend, config: config, now: time.Now}
}

// Get returns the cached entry for pubkey, placeholders included
func (c *ProfileCache) Get(ctx context.Context, pubkey string) (*types.CachedProfile, bool) {
	data, found, err := c.backend.Get(ctx, profilePrefix+pubkey)
	if err != nil || !found {
		return nil, false
	}

	var cached types.CachedProfile
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

// GetMultiple returns the cached entries that exist; absent pubkeys are
// simply missing from the map.
func (c *ProfileCache) GetMultiple(ctx context.Context, pubkeys []string) map[string]*types.CachedProfile {
	out := make(map[string]*types.CachedProfile, len(pubkeys))
	if len(pubkeys) == 0 {
		return out
	}

	keys := make([]string, len(pubkeys))
	for i, pk := range pubkeys {
		keys[i] = profilePrefix + pk
	}

	results, err := c.backend.GetMultiple(ctx, keys)
	if err != nil {
		return out
	}

	for i, pk := range pubkeys {
		data, ok := results[keys[i]]
		if !ok {
			continue
		}
		var cached types.CachedProfile
		if err := json.Unmarshal(data, &cached); err != nil {
			continue
		}
		out[pk] = &cached
	}
	return out
}

// SetMultiple stores profiles at once (nil profiles are stored as "not found")
func (c *ProfileCache) SetMultiple(ctx context.Context, profiles map[string]*types.ProfileInfo) error {
	now := c.now().Unix()
	found := make(map[string][]byte)
	missing := make(map[string][]byte)

	for pubkey, profile := range profiles {
		data, err := json.Marshal(types.CachedProfile{
			Profile:   profile,
			FetchedAt: now,
			NotFound:  profile == nil,
		})
		if err != nil {
			return fmt.Errorf("encode profile %s: %w", pubkey, err)
		}
		if profile == nil {
			missing[profilePrefix+pubkey] = data
		} else {
			found[profilePrefix+pubkey] = data
		}
	}

	if err := c.backend.SetMultiple(ctx, found, c.config.ProfileTTL); err != nil {
		return err
	}
	return c.backend.SetMultiple(ctx, missing, c.config.ProfileNotFoundTTL)
}

func (c *ProfileCache) Delete(ctx context.Context, pubkey string) error {
	return c.backend.Delete(ctx, profilePrefix+pubkey)
}
