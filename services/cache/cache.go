package cache

import (
	"strconv"
	"time"
)

// CacheService represents a generic cache service
type CacheService interface {
	// Get retrieves a value from the cache
	Get(key string) ([]byte, error)

	// Set stores a value in the cache with an expiration time
	Set(key string, value []byte, expiration time.Duration) error

	// Delete removes a value from the cache
	Delete(key string) error
}

// Block marks key as blocked for the given duration.
// The stored value is the block length in seconds.
func Block(svc CacheService, key string, duration time.Duration) error {
	if svc == nil || key == "" {
		return nil
	}
	seconds := strconv.Itoa(int(duration / time.Second))
	return svc.Set(key, []byte(seconds), duration)
}

// IsBlocked reports whether key is currently blocked. A nil cache never blocks.
func IsBlocked(svc CacheService, key string) bool {
	if svc == nil || key == "" {
		return false
	}
	_, err := svc.Get(key)
	return err == nil
}
