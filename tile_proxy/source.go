package tile_proxy

import (
	"context"
	"sort"
	"sync"

	"github.com/GrainArc/ZoneMap/metrics"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/GrainArc/ZoneMap/pgmvt"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TileFetcher 服务端瓦片接口
type TileFetcher interface {
	FetchTile(ctx context.Context, z, x, y int, locality int64, version uint64) ([]byte, error)
	RefreshToken(ctx context.Context) error
}

// SourceOptions 瓦片源参数
type SourceOptions struct {
	MinZoom   int
	MaxTiles  int // 单个视口最多加载的瓦片数
	Parallel  int
	CacheSize int
}

// ZoneTileSource 视口瓦片加载与缓存。瓦片内容来自服务端，按版本号缓存
type ZoneTileSource struct {
	fetcher TileFetcher
	cache   *TileCache
	opts    SourceOptions
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	viewport models.Viewport
	locality int64
	tiles    []maptile.Tile
	loaded   bool
}

func NewZoneTileSource(fetcher TileFetcher, opts SourceOptions, log zerolog.Logger, m *metrics.Metrics) *ZoneTileSource {
	if opts.Parallel <= 0 {
		opts.Parallel = 6
	}
	if opts.MaxTiles <= 0 {
		opts.MaxTiles = 64
	}
	if opts.CacheSize > 0 && opts.CacheSize < opts.MaxTiles {
		// 保证当前视口的瓦片不会被挤出缓存
		opts.CacheSize = opts.MaxTiles
	}
	s := &ZoneTileSource{
		fetcher: fetcher,
		cache:   NewTileCache(opts.CacheSize),
		opts:    opts,
		log:     log.With().Str("component", "tiles").Logger(),
		metrics: m,
	}
	m.SetTileVersion(s.cache.Version())
	return s
}

func (s *ZoneTileSource) Version() uint64 {
	return s.cache.Version()
}

// Bump 使全部缓存失效，返回新版本号
func (s *ZoneTileSource) Bump() uint64 {
	v := s.cache.Bump()
	s.metrics.SetTileVersion(v)
	s.log.Debug().Uint64("version", v).Msg("tile version bumped")
	return v
}

// LoadViewport 加载视口覆盖的瓦片，缓存命中的不再请求。
// 缩放级别过小或瓦片过多时沿用上一次的瓦片列表。
// 登录过期时刷新一次令牌并重新加载一次
func (s *ZoneTileSource) LoadViewport(ctx context.Context, vp models.Viewport, locality int64) error {
	tiles, ok := s.coverage(vp)

	s.mu.Lock()
	if !ok {
		tiles = s.tiles
	}
	s.viewport = vp
	s.locality = locality
	s.tiles = tiles
	s.loaded = true
	s.mu.Unlock()

	err := s.fetchMissing(ctx, tiles, locality)
	if !errors.Is(err, models.ErrAuthExpired) {
		return err
	}

	s.metrics.ObserveTileFetch("auth_retry")
	s.log.Info().Msg("token expired during tile fetch, refreshing")
	if rerr := s.fetcher.RefreshToken(ctx); rerr != nil {
		return errors.WithMessage(rerr, "refresh token")
	}
	return s.fetchMissing(ctx, tiles, locality)
}

func (s *ZoneTileSource) coverage(vp models.Viewport) ([]maptile.Tile, bool) {
	if vp.Zoom < s.opts.MinZoom || vp.Bound.IsEmpty() {
		s.log.Debug().Int("zoom", vp.Zoom).Msg("viewport below min zoom, keeping loaded tiles")
		return nil, false
	}
	tiles, ok := pgmvt.TilesForBound(vp.Bound, vp.Zoom, s.opts.MaxTiles)
	if !ok {
		s.log.Debug().Int("zoom", vp.Zoom).Msg("viewport covers too many tiles, keeping loaded tiles")
	}
	return tiles, ok
}

// Reload 用上一次的视口重新加载，通常在版本号变化后调用
func (s *ZoneTileSource) Reload(ctx context.Context) error {
	s.mu.Lock()
	vp, loc, loaded := s.viewport, s.locality, s.loaded
	s.mu.Unlock()
	if !loaded {
		return nil
	}
	return s.LoadViewport(ctx, vp, loc)
}

func (s *ZoneTileSource) fetchMissing(ctx context.Context, tiles []maptile.Tile, locality int64) error {
	version := s.cache.Version()
	var missing []maptile.Tile
	for _, t := range tiles {
		if _, ok := s.cache.Get(version, TileKey(locality, t)); ok {
			s.metrics.IncTileCacheHit()
			continue
		}
		missing = append(missing, t)
	}
	if len(missing) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallel)
	for _, t := range missing {
		t := t
		g.Go(func() error {
			data, err := s.fetcher.FetchTile(gctx, int(t.Z), int(t.X), int(t.Y), locality, version)
			if err != nil {
				s.metrics.ObserveTileFetch("error")
				return err
			}
			zones, err := pgmvt.DecodeZoneTile(data, t)
			if err != nil {
				s.metrics.ObserveTileFetch("error")
				return err
			}
			s.metrics.ObserveTileFetch("ok")
			if !s.cache.Set(version, TileKey(locality, t), t, zones) {
				s.log.Debug().Uint64("version", version).Msg("dropping tile from stale version")
			}
			return nil
		})
	}
	return g.Wait()
}

// Features 当前视口已加载的图斑片段，跨瓦片的图斑会出现多次（同一ID）
func (s *ZoneTileSource) Features() []models.ZoneFeature {
	s.mu.Lock()
	tiles, loc := s.tiles, s.locality
	s.mu.Unlock()

	version := s.cache.Version()
	var out []models.ZoneFeature
	for _, t := range tiles {
		item, ok := s.cache.Get(version, TileKey(loc, t))
		if !ok {
			continue
		}
		for _, z := range item.Zones {
			out = append(out, z.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].ID < *out[j].ID
	})
	return out
}

// Snapshot 合并同一图斑在各瓦片中的片段
func (s *ZoneTileSource) Snapshot(id int64) (models.ZoneFeature, bool) {
	var found bool
	var snap models.ZoneFeature
	var mp orb.MultiPolygon
	for _, z := range s.Features() {
		if *z.ID != id {
			continue
		}
		if !found {
			snap = z
			found = true
		}
		switch g := z.Geometry.(type) {
		case orb.Polygon:
			mp = append(mp, g)
		case orb.MultiPolygon:
			mp = append(mp, g...)
		}
	}
	if !found {
		return models.ZoneFeature{}, false
	}
	snap.Geometry = mp
	return snap, true
}
