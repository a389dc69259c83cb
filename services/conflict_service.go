package services

import (
	"context"
	"sync"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ConflictState 冲突处理流程状态
type ConflictState string

const (
	ConflictIdle   ConflictState = "Idle"
	ConflictLoaded ConflictState = "ConflictsLoaded"
)

// ConflictWorkflow 选中已保存图斑时加载重叠信息，处理后清空并刷新瓦片
type ConflictWorkflow struct {
	api   ZoneAPI
	tiles Invalidator
	log   zerolog.Logger

	mu     sync.Mutex
	record *models.ConflictRecord
	seq    uint64 // 每次选择递增，旧请求的结果丢弃
}

func NewConflictWorkflow(api ZoneAPI, tiles Invalidator, log zerolog.Logger) *ConflictWorkflow {
	return &ConflictWorkflow{api: api, tiles: tiles, log: log.With().Str("component", "conflicts").Logger()}
}

func (w *ConflictWorkflow) State() ConflictState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.record == nil {
		return ConflictIdle
	}
	return ConflictLoaded
}

// Select 加载图斑的冲突信息；zoneID 为 nil（未保存图斑）时只清空
func (w *ConflictWorkflow) Select(ctx context.Context, zoneID *int64) (*models.ConflictRecord, error) {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.record = nil
	w.mu.Unlock()

	if zoneID == nil {
		return nil, nil
	}
	rec, err := w.api.GetConflicts(ctx, *zoneID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if seq != w.seq {
		// 请求期间选择已变化
		return nil, nil
	}
	rec.ZoneID = *zoneID
	w.record = &rec
	c := rec
	return &c, nil
}

// Clear 取消选择
func (w *ConflictWorkflow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	w.record = nil
}

// Record 当前冲突记录
func (w *ConflictWorkflow) Record() (models.ConflictRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.record == nil {
		return models.ConflictRecord{}, false
	}
	return *w.record, true
}

// OverlayFeature 重叠区域要素，用于高亮显示
func (w *ConflictWorkflow) OverlayFeature() *geojson.Feature {
	rec, ok := w.Record()
	if !ok || rec.OverlapGeometry == nil {
		return nil
	}
	f := geojson.NewFeature(rec.OverlapGeometry)
	f.Properties["zoneId"] = rec.ZoneID
	f.Properties["conflictingZoneIds"] = rec.OverlappingZoneIDs
	return f
}

func (w *ConflictWorkflow) Trim(ctx context.Context) (uint64, error) {
	return w.resolve(ctx, models.ActionTrim)
}

func (w *ConflictWorkflow) Split(ctx context.Context) (uint64, error) {
	return w.resolve(ctx, models.ActionSplit)
}

func (w *ConflictWorkflow) Ignore(ctx context.Context) (uint64, error) {
	return w.resolve(ctx, models.ActionIgnore)
}

// resolve 一次服务端调用；成功后清空记录并返回新的瓦片版本，失败时记录保留
func (w *ConflictWorkflow) resolve(ctx context.Context, action models.ResolveAction) (uint64, error) {
	w.mu.Lock()
	if w.record == nil {
		w.mu.Unlock()
		return 0, models.ErrNoConflict
	}
	rec := *w.record
	seq := w.seq
	w.mu.Unlock()

	ids := append([]int64(nil), rec.OverlappingZoneIDs...)
	if err := w.api.ResolveConflict(ctx, rec.ZoneID, action, ids); err != nil {
		return 0, errors.WithMessagef(err, "%s conflict of zone %d", action, rec.ZoneID)
	}
	w.log.Info().Int64("zone", rec.ZoneID).Str("action", string(action)).Ints64("with", ids).Msg("conflict resolved")

	w.mu.Lock()
	if seq == w.seq {
		w.record = nil
	}
	w.mu.Unlock()

	var version uint64
	if w.tiles != nil {
		version = w.tiles.Bump()
	}
	return version, nil
}
