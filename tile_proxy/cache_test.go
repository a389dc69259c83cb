package tile_proxy

import (
	"testing"
	"time"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

func TestTileCacheVersioning(t *testing.T) {
	c := NewTileCache(0)
	tile := maptile.New(1, 2, 3)
	key := TileKey(7, tile)
	v := c.Version()
	if v != 1 {
		t.Fatalf("initial version %d", v)
	}
	if !c.Set(v, key, tile, []models.ZoneFeature{{ID: models.Int64Ptr(1)}}) {
		t.Fatal("set at current version rejected")
	}
	if _, ok := c.Get(v+1, key); ok {
		t.Fatal("get with another version should miss")
	}
	item, ok := c.Get(v, key)
	if !ok || len(item.Zones) != 1 {
		t.Fatalf("got %v %v", item, ok)
	}

	nv := c.Bump()
	if nv != v+1 || c.Size() != 0 {
		t.Fatalf("bump: version %d size %d", nv, c.Size())
	}
	if c.Set(v, key, tile, nil) {
		t.Fatal("stale set should be dropped")
	}
	if _, ok := c.Get(nv, key); ok {
		t.Fatal("cache should be empty after bump")
	}
}

func TestTileKeyIncludesLocality(t *testing.T) {
	tile := maptile.At(orb.Point{39.27, -6.8}, 12)
	if TileKey(1, tile) == TileKey(2, tile) {
		t.Fatal("keys for different localities collide")
	}
}

func TestTileCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewTileCache(2)
	v := c.Version()
	a, b, d := maptile.New(0, 0, 1), maptile.New(1, 0, 1), maptile.New(0, 1, 1)
	c.Set(v, TileKey(1, a), a, nil)
	time.Sleep(2 * time.Millisecond)
	c.Set(v, TileKey(1, b), b, nil)
	time.Sleep(2 * time.Millisecond)
	// 访问 a 后 b 成为最久未用
	c.Get(v, TileKey(1, a))
	time.Sleep(2 * time.Millisecond)
	c.Set(v, TileKey(1, d), d, nil)

	if c.Size() != 2 {
		t.Fatalf("size %d", c.Size())
	}
	if _, ok := c.Get(v, TileKey(1, b)); ok {
		t.Fatal("b should be evicted")
	}
	if _, ok := c.Get(v, TileKey(1, a)); !ok {
		t.Fatal("a should survive")
	}
}
