package cache

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"mabletask/telemetry/logging"
	"mabletask/telemetry/metrics"
	"mabletask/telemetry/models"
)

// DeviceStore is the persistence the identity cache writes through to.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, deviceID string, hints models.DeviceHints, seen time.Time) error
	TouchDevice(ctx context.Context, deviceID string, seen time.Time) (bool, error)
}

func DeviceKey(deviceID string) string {
	return "device:" + deviceID
}

type deviceItem struct {
	hints     models.DeviceHints
	expiresAt time.Time
}

// DeviceIdentityCache remembers which devices are already registered and
// what was last written for them, so repeat sightings only bump last_seen.
// Lookups go process-local map, then the shared Redis key device:<id>,
// then the store.
type DeviceIdentityCache struct {
	store     DeviceStore
	shared    *Shared
	localTTL  time.Duration
	sharedTTL time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	items map[string]*deviceItem

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewDeviceIdentityCache(store DeviceStore, shared *Shared, localTTL, sharedTTL time.Duration) *DeviceIdentityCache {
	if localTTL <= 0 {
		localTTL = time.Minute
	}
	if sharedTTL <= 0 {
		sharedTTL = 2 * time.Hour
	}
	c := &DeviceIdentityCache{
		store:     store,
		shared:    shared,
		localTTL:  localTTL,
		sharedTTL: sharedTTL,
		now:       time.Now,
		items:     make(map[string]*deviceItem),
		stopChan:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Observe records a sighting of deviceID at seen. The first sighting, or
// one carrying hint fields not yet stored, upserts the device row. Any
// other sighting only moves last_seen forward.
func (c *DeviceIdentityCache) Observe(ctx context.Context, deviceID string, hints models.DeviceHints, seen time.Time) error {
	cached, ok := c.lookup(ctx, deviceID)
	if ok && covers(cached, hints) {
		found, err := c.store.TouchDevice(ctx, deviceID, seen)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		// cached but gone from the table; register again
		logging.Debug().Str("device_id", deviceID).Msg("cached device missing from store")
	}

	if err := c.store.UpsertDevice(ctx, deviceID, hints, seen); err != nil {
		return err
	}
	c.remember(ctx, deviceID, merge(cached, hints))
	return nil
}

// Invalidate drops deviceID from both cache layers.
func (c *DeviceIdentityCache) Invalidate(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	delete(c.items, deviceID)
	c.mu.Unlock()

	if err := c.shared.Delete(ctx, DeviceKey(deviceID)); err != nil {
		return fmt.Errorf("invalidate device %s: %w", deviceID, err)
	}
	return nil
}

// Len returns the number of locally cached devices.
func (c *DeviceIdentityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *DeviceIdentityCache) lookup(ctx context.Context, deviceID string) (models.DeviceHints, bool) {
	c.mu.RLock()
	item, ok := c.items[deviceID]
	c.mu.RUnlock()
	if ok && c.now().Before(item.expiresAt) {
		metrics.RecordCache("device_local", "hit")
		return item.hints, true
	}

	var hints models.DeviceHints
	found, err := c.shared.GetJSON(ctx, DeviceKey(deviceID), &hints)
	if err != nil {
		logging.Debug().Err(err).Str("device_id", deviceID).Msg("shared device lookup failed")
	}
	if !found {
		metrics.RecordCache("device", "miss")
		return models.DeviceHints{}, false
	}
	metrics.RecordCache("device", "hit")
	c.setLocal(deviceID, hints)
	return hints, true
}

func (c *DeviceIdentityCache) remember(ctx context.Context, deviceID string, hints models.DeviceHints) {
	c.setLocal(deviceID, hints)
	if err := c.shared.SetJSON(ctx, DeviceKey(deviceID), hints, c.sharedTTL); err != nil {
		logging.Debug().Err(err).Str("device_id", deviceID).Msg("shared device write failed")
	}
}

func (c *DeviceIdentityCache) setLocal(deviceID string, hints models.DeviceHints) {
	c.mu.Lock()
	c.items[deviceID] = &deviceItem{hints: hints, expiresAt: c.now().Add(c.localTTL)}
	c.mu.Unlock()
}

func (c *DeviceIdentityCache) cleanup() {
	ticker := time.NewTicker(c.localTTL)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for key, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *DeviceIdentityCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

// covers reports whether incoming adds nothing to what is stored.
func covers(stored, incoming models.DeviceHints) bool {
	if incoming.Platform != "" && incoming.Platform != stored.Platform {
		return false
	}
	if incoming.OSVersion != "" && incoming.OSVersion != stored.OSVersion {
		return false
	}
	if incoming.ScreenSize != "" && incoming.ScreenSize != stored.ScreenSize {
		return false
	}
	if incoming.Browser != "" && incoming.Browser != stored.Browser {
		return false
	}
	for k, v := range incoming.Extra {
		if old, ok := stored.Extra[k]; !ok || !reflect.DeepEqual(old, v) {
			return false
		}
	}
	return true
}

func merge(stored, incoming models.DeviceHints) models.DeviceHints {
	out := stored
	if incoming.Platform != "" {
		out.Platform = incoming.Platform
	}
	if incoming.OSVersion != "" {
		out.OSVersion = incoming.OSVersion
	}
	if incoming.ScreenSize != "" {
		out.ScreenSize = incoming.ScreenSize
	}
	if incoming.Browser != "" {
		out.Browser = incoming.Browser
	}
	if len(incoming.Extra) > 0 {
		extra := make(map[string]any, len(stored.Extra)+len(incoming.Extra))
		for k, v := range stored.Extra {
			extra[k] = v
		}
		for k, v := range incoming.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}
