package services

import (
	"context"
	"sync"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/GrainArc/ZoneMap/pgmvt"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
)

// fakeAPI 内存中的服务端，记录每次调用
type fakeAPI struct {
	mu sync.Mutex

	zones     map[int64]models.ZoneFeature
	landUses  []models.LandUse
	conflicts map[int64]models.ConflictRecord
	nextID    int64

	bulkCalls    []*geojson.FeatureCollection
	statusCalls  []models.ZoneStatus
	resolveCalls []models.ResolveAction
	resolveIDs   [][]int64
	deleted      []int64
	getZoneCalls int

	bulkErr    error
	statusErr  error
	resolveErr error
	getZoneErr error
	// bulkGate 非空时 BulkUpsert 在返回前等待
	bulkGate    chan struct{}
	bulkStarted chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		zones:     make(map[int64]models.ZoneFeature),
		conflicts: make(map[int64]models.ConflictRecord),
		nextID:    100,
	}
}

func (f *fakeAPI) put(z models.ZoneFeature) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones[*z.ID] = z
}

func (f *fakeAPI) FetchTile(ctx context.Context, z, x, y int, locality int64, version uint64) ([]byte, error) {
	f.mu.Lock()
	zones := make([]models.ZoneFeature, 0, len(f.zones))
	for _, zone := range f.zones {
		if zone.LocalityID == locality {
			zones = append(zones, zone)
		}
	}
	f.mu.Unlock()
	return pgmvt.EncodeZoneTile(zones, maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))
}

func (f *fakeAPI) RefreshToken(ctx context.Context) error {
	return nil
}

func (f *fakeAPI) GetZone(ctx context.Context, id int64) (models.ZoneFeature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getZoneCalls++
	if f.getZoneErr != nil {
		return models.ZoneFeature{}, f.getZoneErr
	}
	z, ok := f.zones[id]
	if !ok {
		return models.ZoneFeature{}, errors.Errorf("zone %d not found", id)
	}
	return z.Clone(), nil
}

func (f *fakeAPI) BulkUpsert(ctx context.Context, fc *geojson.FeatureCollection) ([]int64, error) {
	f.mu.Lock()
	f.bulkCalls = append(f.bulkCalls, fc)
	gate, started := f.bulkGate, f.bulkStarted
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	ids := make([]int64, 0, len(fc.Features))
	for _, gf := range fc.Features {
		z, err := models.FeatureFromGeoJSON(gf)
		if err != nil {
			return nil, err
		}
		if deleted, _ := gf.Properties["deleted"].(bool); deleted {
			delete(f.zones, *z.ID)
			ids = append(ids, *z.ID)
			continue
		}
		if z.ID == nil {
			f.nextID++
			z.ID = models.Int64Ptr(f.nextID)
		}
		z.LocalID = ""
		f.zones[*z.ID] = z
		ids = append(ids, *z.ID)
	}
	return ids, nil
}

func (f *fakeAPI) UpdateStatus(ctx context.Context, id int64, status models.ZoneStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, status)
	if f.statusErr != nil {
		return f.statusErr
	}
	if z, ok := f.zones[id]; ok {
		z.Status = status
		f.zones[id] = z
	}
	return nil
}

func (f *fakeAPI) DeleteZone(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.zones, id)
	return nil
}

func (f *fakeAPI) GetConflicts(ctx context.Context, id int64) (models.ConflictRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conflicts[id], nil
}

func (f *fakeAPI) ResolveConflict(ctx context.Context, id int64, action models.ResolveAction, zoneIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls = append(f.resolveCalls, action)
	f.resolveIDs = append(f.resolveIDs, zoneIDs)
	if f.resolveErr != nil {
		return f.resolveErr
	}
	delete(f.conflicts, id)
	return nil
}

func (f *fakeAPI) ListLandUses(ctx context.Context) ([]models.LandUse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.LandUse(nil), f.landUses...), nil
}

func (f *fakeAPI) bulkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bulkCalls)
}

// countingInvalidator 记录版本号递增次数
type countingInvalidator struct {
	mu      sync.Mutex
	version uint64
	bumps   int
}

func (c *countingInvalidator) Bump() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.bumps++
	return c.version
}

func (c *countingInvalidator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bumps
}

// square 以 (x, y) 为左下角、边长 d 的闭合多边形
func square(x, y, d float64) orb.Polygon {
	return orb.Polygon{{{x, y}, {x + d, y}, {x + d, y + d}, {x, y + d}, {x, y}}}
}

func savedZone(id, landUse int64, status models.ZoneStatus, geom orb.Geometry) models.ZoneFeature {
	return models.ZoneFeature{
		ID: models.Int64Ptr(id), LandUseID: landUse, LocalityID: 1,
		Status: status, Geometry: geom,
	}
}
