package tile_proxy

import (
	"context"
	"sync"
	"testing"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/GrainArc/ZoneMap/pgmvt"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// fakeFetcher 按请求的瓦片把 zones 编码成 MVT
type fakeFetcher struct {
	mu           sync.Mutex
	zones        []models.ZoneFeature
	calls        int
	refreshes    int
	authFailures int
	refreshErr   error
	onFetch      func()
}

func (f *fakeFetcher) FetchTile(ctx context.Context, z, x, y int, locality int64, version uint64) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	if f.authFailures > 0 {
		f.authFailures--
		f.mu.Unlock()
		return nil, errors.Wrap(models.ErrAuthExpired, "fetch tile")
	}
	hook := f.onFetch
	zones := f.zones
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return pgmvt.EncodeZoneTile(zones, maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))
}

func (f *fakeFetcher) RefreshToken(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var (
	westTile = maptile.At(orb.Point{39.275, -6.805}, 14)
	eastTile = maptile.New(westTile.X+1, westTile.Y, westTile.Z)
)

// spanViewport 只覆盖 westTile 和 eastTile
func spanViewport() models.Viewport {
	wb, eb := westTile.Bound(), eastTile.Bound()
	return models.Viewport{
		Bound: orb.Bound{Min: wb.Center(), Max: eb.Center()},
		Zoom:  14,
	}
}

// spanZone 横跨两块瓦片的图斑
func spanZone(id int64) models.ZoneFeature {
	wb, eb := westTile.Bound(), eastTile.Bound()
	h := (wb.Max.Y() - wb.Min.Y()) / 4
	return models.ZoneFeature{
		ID: models.Int64Ptr(id), LandUseID: 2, LocalityID: 1, Status: models.StatusApproved,
		Geometry: orb.Bound{
			Min: orb.Point{wb.Center().X(), wb.Center().Y() - h},
			Max: orb.Point{eb.Center().X(), wb.Center().Y() + h},
		}.ToPolygon(),
	}
}

func newSource(f *fakeFetcher) *ZoneTileSource {
	return NewZoneTileSource(f, SourceOptions{MinZoom: 12, MaxTiles: 16}, zerolog.Nop(), nil)
}

func TestLoadViewportCachesTiles(t *testing.T) {
	f := &fakeFetcher{zones: []models.ZoneFeature{spanZone(5)}}
	src := newSource(f)
	ctx := context.Background()

	if err := src.LoadViewport(ctx, spanViewport(), 1); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 2 {
		t.Fatalf("fetched %d tiles", f.callCount())
	}
	if got := src.Features(); len(got) != 2 {
		t.Fatalf("expected one piece per tile, got %d", len(got))
	}
	if err := src.LoadViewport(ctx, spanViewport(), 1); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 2 {
		t.Fatalf("cached tiles refetched: %d calls", f.callCount())
	}
	// 换行政区后缓存键不同
	if err := src.LoadViewport(ctx, spanViewport(), 2); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 4 {
		t.Fatalf("new locality should refetch: %d calls", f.callCount())
	}
}

func TestSnapshotMergesPieces(t *testing.T) {
	zone := spanZone(5)
	f := &fakeFetcher{zones: []models.ZoneFeature{zone}}
	src := newSource(f)
	if err := src.LoadViewport(context.Background(), spanViewport(), 1); err != nil {
		t.Fatal(err)
	}
	snap, ok := src.Snapshot(5)
	if !ok {
		t.Fatal("snapshot missing")
	}
	mp, ok := snap.Geometry.(orb.MultiPolygon)
	if !ok || len(mp) != 2 {
		t.Fatalf("expected two merged pieces, got %T %v", snap.Geometry, snap.Geometry)
	}
	want := planar.Area(zone.Geometry)
	if got := planar.Area(mp); got < want*0.98 || got > want*1.02 {
		t.Fatalf("merged area %v, want about %v", got, want)
	}
	if _, ok := src.Snapshot(99); ok {
		t.Fatal("unknown id should not have a snapshot")
	}
}

func TestLoadViewportBelowMinZoom(t *testing.T) {
	f := &fakeFetcher{zones: []models.ZoneFeature{spanZone(5)}}
	src := newSource(f)
	vp := spanViewport()
	vp.Zoom = 10
	if err := src.LoadViewport(context.Background(), vp, 1); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 0 || len(src.Features()) != 0 {
		t.Fatalf("nothing should load below min zoom, %d calls", f.callCount())
	}
}

func TestLoadViewportKeepsTilesWhenZoomedOut(t *testing.T) {
	f := &fakeFetcher{zones: []models.ZoneFeature{spanZone(5)}}
	src := newSource(f)
	ctx := context.Background()
	if err := src.LoadViewport(ctx, spanViewport(), 1); err != nil {
		t.Fatal(err)
	}

	far := spanViewport()
	far.Zoom = 10
	if err := src.LoadViewport(ctx, far, 1); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 2 || len(src.Features()) != 2 {
		t.Fatalf("zooming out should keep loaded tiles: %d calls, %d features", f.callCount(), len(src.Features()))
	}

	wide := models.Viewport{Bound: orb.Bound{Min: orb.Point{38, -8}, Max: orb.Point{40, -6}}, Zoom: 14}
	if err := src.LoadViewport(ctx, wide, 1); err != nil {
		t.Fatal(err)
	}
	if len(src.Features()) != 2 {
		t.Fatal("oversized viewport should keep loaded tiles")
	}

	// 版本变化后沿用的瓦片重新请求
	src.Bump()
	if err := src.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 4 || len(src.Features()) != 2 {
		t.Fatalf("reload after bump: %d calls, %d features", f.callCount(), len(src.Features()))
	}
}

func TestLoadViewportTooManyTiles(t *testing.T) {
	f := &fakeFetcher{}
	src := newSource(f)
	vp := models.Viewport{Bound: orb.Bound{Min: orb.Point{38, -8}, Max: orb.Point{40, -6}}, Zoom: 14}
	if err := src.LoadViewport(context.Background(), vp, 1); err != nil {
		t.Fatal(err)
	}
	if f.callCount() != 0 {
		t.Fatalf("oversized viewport fetched %d tiles", f.callCount())
	}
}

func TestAuthExpiredRefreshesOnce(t *testing.T) {
	f := &fakeFetcher{zones: []models.ZoneFeature{spanZone(5)}, authFailures: 1}
	src := newSource(f)
	vp := models.Viewport{Bound: westTile.Bound().Pad(-1e-4), Zoom: 14}
	if err := src.LoadViewport(context.Background(), vp, 1); err != nil {
		t.Fatal(err)
	}
	if f.refreshes != 1 {
		t.Fatalf("refreshed %d times", f.refreshes)
	}
	if len(src.Features()) != 1 {
		t.Fatal("tile should load after retry")
	}
}

func TestAuthExpiredTwiceFails(t *testing.T) {
	f := &fakeFetcher{authFailures: 2}
	src := newSource(f)
	vp := models.Viewport{Bound: westTile.Bound().Pad(-1e-4), Zoom: 14}
	err := src.LoadViewport(context.Background(), vp, 1)
	if !errors.Is(err, models.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if f.refreshes != 1 {
		t.Fatalf("refreshed %d times", f.refreshes)
	}
}

func TestRefreshFailureReturned(t *testing.T) {
	f := &fakeFetcher{authFailures: 1, refreshErr: errors.New("login server down")}
	src := newSource(f)
	vp := models.Viewport{Bound: westTile.Bound().Pad(-1e-4), Zoom: 14}
	if err := src.LoadViewport(context.Background(), vp, 1); err == nil {
		t.Fatal("expected refresh error")
	}
	if f.callCount() != 1 {
		t.Fatalf("should not retry after failed refresh, %d calls", f.callCount())
	}
}

func TestBumpDuringFetchDropsResult(t *testing.T) {
	f := &fakeFetcher{zones: []models.ZoneFeature{spanZone(5)}}
	src := newSource(f)
	var once sync.Once
	f.onFetch = func() { once.Do(func() { src.Bump() }) }
	vp := models.Viewport{Bound: westTile.Bound().Pad(-1e-4), Zoom: 14}

	if err := src.LoadViewport(context.Background(), vp, 1); err != nil {
		t.Fatal(err)
	}
	if len(src.Features()) != 0 {
		t.Fatal("tile fetched for an old version must not be cached")
	}
	if err := src.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(src.Features()) != 1 || f.callCount() != 2 {
		t.Fatalf("reload should fetch at the new version, %d calls", f.callCount())
	}
}
