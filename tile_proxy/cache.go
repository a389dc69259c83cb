package tile_proxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb/maptile"
)

// CacheItem 缓存项，保存已解码的图斑
type CacheItem struct {
	Tile     maptile.Tile
	Zones    []models.ZoneFeature
	LastUsed time.Time
}

// TileCache 按版本号缓存的瓦片。版本号递增是唯一的失效方式
type TileCache struct {
	mu      sync.RWMutex
	version uint64
	items   map[string]*CacheItem
	maxSize int
}

// NewTileCache maxSize<=0 表示不限
func NewTileCache(maxSize int) *TileCache {
	return &TileCache{
		version: 1,
		items:   make(map[string]*CacheItem),
		maxSize: maxSize,
	}
}

// TileKey 缓存键包含行政区
func TileKey(locality int64, t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d/%d", locality, t.Z, t.X, t.Y)
}

func (c *TileCache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Get 版本不一致视为未命中
func (c *TileCache) Get(version uint64, key string) (*CacheItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != c.version {
		return nil, false
	}
	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item.LastUsed = time.Now()
	return item, true
}

// Set 旧版本的请求结果直接丢弃，返回是否写入
func (c *TileCache) Set(version uint64, key string, tile maptile.Tile, zones []models.ZoneFeature) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != c.version {
		return false
	}
	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictOldest()
	}
	c.items[key] = &CacheItem{Tile: tile, Zones: zones, LastUsed: time.Now()}
	return true
}

// evictOldest 删除最久未使用的项
func (c *TileCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, item := range c.items {
		if oldestKey == "" || item.LastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.LastUsed
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

// Bump 版本号加一并清空缓存
func (c *TileCache) Bump() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.items = make(map[string]*CacheItem)
	return c.version
}

// Size 获取缓存大小
func (c *TileCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
