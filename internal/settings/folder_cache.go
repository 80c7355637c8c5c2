package settings

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/LabKey/platform-sub050/internal/infrastructure"
)

// FolderSettings is the resolved formatting tuple of one container
type FolderSettings struct {
	DefaultDateFormat        string `json:"default_date_format"`
	DefaultDateTimeFormat    string `json:"default_date_time_format"`
	DefaultNumberFormat      string `json:"default_number_format"`
	RestrictedColumnsEnabled bool   `json:"restricted_columns_enabled"`
}

// FolderSettingsLoader resolves settings for a container on a cache miss
type FolderSettingsLoader func(ctx context.Context, containerID string) (FolderSettings, error)

// FolderSettingsCache memoizes resolved folder settings per container.
// Concurrent misses for the same container block on one load.
type FolderSettingsCache struct {
	mu      sync.RWMutex
	entries map[string]FolderSettings
	gen     uint64
	group   singleflight.Group
	load    FolderSettingsLoader
	metrics *infrastructure.ReportMetrics
}

// NewFolderSettingsCache creates a cache around loader
func NewFolderSettingsCache(loader FolderSettingsLoader, metrics *infrastructure.ReportMetrics) *FolderSettingsCache {
	return &FolderSettingsCache{
		entries: make(map[string]FolderSettings),
		load:    loader,
		metrics: metrics,
	}
}

// Get returns the cached settings, loading them on a miss
func (c *FolderSettingsCache) Get(ctx context.Context, containerID string) (FolderSettings, error) {
	c.mu.RLock()
	fs, ok := c.entries[containerID]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		if c.metrics != nil {
			c.metrics.SettingsCacheHits.Add(ctx, 1)
		}
		return fs, nil
	}

	// loads are keyed by generation so a caller arriving after a clear
	// never joins a load that started before it
	v, err, _ := c.group.Do(flightKey(gen, containerID), func() (interface{}, error) {
		fs, err := c.load(ctx, containerID)
		if err != nil {
			return FolderSettings{}, err
		}
		c.mu.Lock()
		// a clear that raced with the load invalidates its result
		if c.gen == gen {
			c.entries[containerID] = fs
		}
		c.mu.Unlock()
		return fs, nil
	})
	if err != nil {
		return FolderSettings{}, err
	}
	return v.(FolderSettings), nil
}

// Remove drops one container's entry
func (c *FolderSettingsCache) Remove(containerID string) {
	c.mu.Lock()
	delete(c.entries, containerID)
	c.gen++
	c.mu.Unlock()
}

// Clear drops every entry
func (c *FolderSettingsCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]FolderSettings)
	c.gen++
	c.mu.Unlock()
}

func flightKey(gen uint64, containerID string) string {
	return strconv.FormatUint(gen, 10) + "/" + containerID
}

// Len returns the number of cached containers
func (c *FolderSettingsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
