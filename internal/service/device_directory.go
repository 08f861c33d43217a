package service

import (
	"context"
	"encoding/json"
	"time"

	"face_sync/internal/cache"
	"face_sync/internal/metrics"
	"face_sync/internal/models"
)

// CachedDeviceDirectory is a read-through cache over the device table. Cache
// failures fall back to the store; negative results are not cached.
type CachedDeviceDirectory struct {
	inner DeviceDirectory
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedDeviceDirectory(inner DeviceDirectory, c cache.Cache, ttl time.Duration) *CachedDeviceDirectory {
	return &CachedDeviceDirectory{inner: inner, cache: c, ttl: ttl}
}

func (d *CachedDeviceDirectory) GetByAddress(ctx context.Context, address string) (*models.DeviceTarget, error) {
	key := cache.DeviceTargetKey(address)

	if b, ok, err := d.cache.Get(ctx, key); err == nil && ok {
		var target models.DeviceTarget
		if err := json.Unmarshal(b, &target); err == nil {
			metrics.IncRedisHit()
			return &target, nil
		}
	}
	metrics.IncRedisMiss()

	target, err := d.inner.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(target); err == nil {
		_ = d.cache.Set(ctx, key, b, d.ttl)
	}
	return target, nil
}
