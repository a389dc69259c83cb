package services

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/GrainArc/ZoneMap/ImgHandler"
	"github.com/GrainArc/ZoneMap/Transformer"
	"github.com/GrainArc/ZoneMap/metrics"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/GrainArc/ZoneMap/tile_proxy"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EditorActions 编辑器对界面暴露的全部操作
type EditorActions interface {
	ViewState() models.ViewState
	SetToolMode(mode models.ToolMode) error
	SetColorMode(mode models.ColorMode) error
	SetViewport(ctx context.Context, vp models.Viewport) error
	SetLocality(ctx context.Context, id int64) error

	CreateZone(f models.ZoneFeature) (models.DrawEntry, error)
	UpdateZone(f models.ZoneFeature) (models.DrawEntry, error)
	DeleteZone(f models.ZoneFeature) error
	AssignLandUse(key string, landUseID int64) (models.DrawEntry, error)
	CreateFromPointTable(req PointTableRequest) (models.DrawEntry, error)
	CreateFromCSV(data []byte, req PointTableRequest) (models.DrawEntry, error)
	Entries() []models.DrawEntry

	Save(ctx context.Context) (SaveResult, error)
	Discard()
	History(limit int) ([]models.SaveRecord, error)

	Approve(ctx context.Context, id int64) error
	Reject(ctx context.Context, id int64) error
	SendToDraft(ctx context.Context, id int64) error
	DeleteSaved(ctx context.Context, id int64) error

	Select(ctx context.Context, key string) (*models.ConflictRecord, error)
	Deselect()
	Conflict() (models.ConflictRecord, bool)
	ConflictOverlay() *geojson.Feature
	TrimConflict(ctx context.Context) error
	SplitConflict(ctx context.Context) error
	IgnoreConflict(ctx context.Context) error

	RenderView() []RenderFeature
	Legend() Legend
	LegendImage() ([]byte, error)
	Styles() CompiledStyles
	Pattern(key string) ([]byte, bool)
	LandUses() []models.LandUse
	LoadLandUses(ctx context.Context) error

	ExportGeoJSON(scope ExportScope) *geojson.FeatureCollection
	ExportSHP(scope ExportScope) (string, error)
	ExportDXF(scope ExportScope) (string, error)

	Subscribe() (<-chan Event, func())
}

// PointTableRequest 界址点表建图斑参数
type PointTableRequest struct {
	Rows      []Transformer.PointRow `json:"rows"`
	Mode      Transformer.CoordMode  `json:"mode"`
	CRS       string                 `json:"crs"`
	LandUseID int64                  `json:"landUseId"`
	Color     string                 `json:"color"`
}

// LegendPainter 图例图片
type LegendPainter interface {
	CreateLegend(items []ImgHandler.LegendItem) ([]byte, error)
}

// EditorDeps 控制器依赖，Draft 和 Painter 可为空
type EditorDeps struct {
	API      ZoneAPI
	Tiles    *tile_proxy.ZoneTileSource
	Raster   PatternRasterizer
	Painter  LegendPainter
	Draft    *DraftJournal
	Exporter *Exporter
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
	Username string
	Locality int64
}

// EditorController 把界面操作分发到各服务，并在数据变化后刷新图例、推送事件
type EditorController struct {
	api       ZoneAPI
	tiles     *tile_proxy.ZoneTileSource
	draw      *DrawStateReconciler
	styles    *StyleCompiler
	legend    *LegendAggregator
	conflicts *ConflictWorkflow
	status    *StatusTracker
	draft     *DraftJournal
	exporter  *Exporter
	painter   LegendPainter
	metrics   *metrics.Metrics
	hub       *EventHub
	log       zerolog.Logger
	username  string

	mu   sync.Mutex
	view models.ViewState

	pmu        sync.Mutex
	prefetched map[int64]models.ZoneFeature // 编辑前从服务端取到的完整图斑
}

var _ EditorActions = (*EditorController)(nil)

func NewEditorController(d EditorDeps) *EditorController {
	c := &EditorController{
		api:        d.API,
		tiles:      d.Tiles,
		draft:      d.Draft,
		painter:    d.Painter,
		metrics:    d.Metrics,
		hub:        NewEventHub(),
		log:        d.Log.With().Str("component", "editor").Logger(),
		username:   d.Username,
		prefetched: make(map[int64]models.ZoneFeature),
		view: models.ViewState{
			ToolMode:   models.ToolSelect,
			ColorMode:  models.ColorByType,
			LocalityID: d.Locality,
		},
	}
	c.styles = NewStyleCompiler(d.Raster, d.Log, d.Metrics)
	c.legend = NewLegendAggregator(c.styles)
	// 未配置瓦片源时不能把 nil 指针装进接口
	var inv Invalidator
	if d.Tiles != nil {
		inv = d.Tiles
	}
	c.draw = NewDrawStateReconciler(d.API, inv, c.snapshot, d.Log)
	c.conflicts = NewConflictWorkflow(d.API, inv, d.Log)
	c.status = NewStatusTracker(d.API, d.Log)
	c.exporter = d.Exporter
	if c.exporter == nil {
		c.exporter = NewExporter("export", "EPSG:4326", nil)
	}
	c.exporter.names = c.styles.LandUse
	return c
}

// snapshot 编辑前快照：优先用预取的完整图斑，否则合并已加载瓦片中的片段
func (c *EditorController) snapshot(id int64) (models.ZoneFeature, bool) {
	c.pmu.Lock()
	z, ok := c.prefetched[id]
	c.pmu.Unlock()
	if ok {
		return z, true
	}
	if c.tiles == nil {
		return models.ZoneFeature{}, false
	}
	return c.tiles.Snapshot(id)
}

// prefetch 选中尚无本地条目的已保存图斑时取完整属性，供之后的编辑作快照，失败只记日志
func (c *EditorController) prefetch(ctx context.Context, id int64) {
	if _, ok := c.draw.KeyForID(id); ok {
		return
	}
	c.pmu.Lock()
	_, done := c.prefetched[id]
	c.pmu.Unlock()
	if done {
		return
	}
	z, err := c.api.GetZone(ctx, id)
	if err != nil {
		c.log.Warn().Err(err).Int64("zone", id).Msg("prefetch failed, using tile snapshot")
		return
	}
	c.pmu.Lock()
	c.prefetched[id] = z
	c.pmu.Unlock()
}

// fillAttributes 界面只传几何时补齐属性：已有条目取条目上的值，否则取编辑前快照
func (c *EditorController) fillAttributes(f models.ZoneFeature) models.ZoneFeature {
	var base models.ZoneFeature
	found := false
	if e, ok := c.draw.Entry(f.Key()); ok {
		base, found = e.Feature, true
	} else if f.ID != nil {
		if k, ok := c.draw.KeyForID(*f.ID); ok {
			e, _ := c.draw.Entry(k)
			base, found = e.Feature, true
		} else {
			base, found = c.snapshot(*f.ID)
		}
	}
	if !found {
		return f
	}
	if f.LandUseID == 0 {
		f.LandUseID = base.LandUseID
	}
	if f.LocalityID == 0 {
		f.LocalityID = base.LocalityID
	}
	if f.Status == "" {
		f.Status = base.Status
	}
	if f.Color == "" {
		f.Color = base.Color
	}
	return f
}

func (c *EditorController) Subscribe() (<-chan Event, func()) {
	return c.hub.Subscribe(64)
}

func (c *EditorController) publish(t EventType, data interface{}) {
	var version uint64
	if c.tiles != nil {
		version = c.tiles.Version()
	}
	c.hub.Publish(Event{Type: t, Version: version, Data: data})
}

func (c *EditorController) colorMode() models.ColorMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.ColorMode
}

func (c *EditorController) locality() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.LocalityID
}

func (c *EditorController) tileFeatures() []models.ZoneFeature {
	if c.tiles == nil {
		return nil
	}
	return c.tiles.Features()
}

// refreshLegend 视口、瓦片或本地条目变化后调用
func (c *EditorController) refreshLegend() Legend {
	l := c.legend.Recompute(c.tileFeatures(), c.draw.Entries(), c.status.Overrides())
	c.publish(EventLegend, l)
	return l
}

// entriesChanged 本地条目变化：写草稿、更新指标、刷新图例
func (c *EditorController) entriesChanged() {
	entries := c.draw.Entries()
	c.metrics.SetPendingEntries(len(entries))
	if c.draft != nil {
		if err := c.draft.Sync(entries); err != nil {
			c.log.Error().Err(err).Msg("draft sync failed")
		}
	}
	c.publish(EventEntries, entries)
	c.refreshLegend()
}

// afterBump 瓦片版本变化后：清除已确认的状态覆盖和预取，重新加载视口
func (c *EditorController) afterBump(ctx context.Context) {
	c.status.ClearSettled()
	c.pmu.Lock()
	c.prefetched = make(map[int64]models.ZoneFeature)
	c.pmu.Unlock()
	if c.tiles != nil {
		if err := c.tiles.Reload(ctx); err != nil {
			c.log.Warn().Err(err).Msg("tile reload after invalidation failed")
			c.publish(EventError, errorPayload(err))
		}
	}
	c.publish(EventTiles, nil)
	c.refreshLegend()
}

func errorPayload(err error) map[string]string {
	return map[string]string{"kind": models.ErrorKind(err), "message": err.Error()}
}

// Restore 启动时从草稿恢复未保存的编辑
func (c *EditorController) Restore() error {
	if c.draft == nil {
		return nil
	}
	entries, err := c.draft.Load()
	if err != nil {
		return err
	}
	c.draw.Restore(entries)
	c.metrics.SetPendingEntries(len(entries))
	if len(entries) > 0 {
		c.log.Info().Int("entries", len(entries)).Msg("restored unsaved edits")
	}
	return nil
}

func (c *EditorController) ViewState() models.ViewState {
	c.mu.Lock()
	v := c.view
	c.mu.Unlock()
	v.ActiveKey = c.draw.ActiveKey()
	return v
}

func (c *EditorController) SetToolMode(mode models.ToolMode) error {
	if !mode.Valid() {
		return errors.Wrapf(models.ErrValidationFailed, "tool mode %q", mode)
	}
	c.mu.Lock()
	c.view.ToolMode = mode
	c.mu.Unlock()
	c.publish(EventView, c.ViewState())
	return nil
}

func (c *EditorController) SetColorMode(mode models.ColorMode) error {
	if !mode.Valid() {
		return errors.Wrapf(models.ErrValidationFailed, "color mode %q", mode)
	}
	c.mu.Lock()
	c.view.ColorMode = mode
	c.mu.Unlock()
	c.publish(EventView, c.ViewState())
	return nil
}

// SetViewport 加载视口瓦片后重新统计，加载失败时仍用已有数据统计
func (c *EditorController) SetViewport(ctx context.Context, vp models.Viewport) error {
	c.mu.Lock()
	c.view.Viewport = vp
	loc := c.view.LocalityID
	c.mu.Unlock()

	var err error
	if c.tiles != nil {
		err = c.tiles.LoadViewport(ctx, vp, loc)
	}
	c.publish(EventTiles, nil)
	c.refreshLegend()
	return err
}

func (c *EditorController) SetLocality(ctx context.Context, id int64) error {
	c.mu.Lock()
	c.view.LocalityID = id
	vp := c.view.Viewport
	c.mu.Unlock()
	return c.SetViewport(ctx, vp)
}

func (c *EditorController) CreateZone(f models.ZoneFeature) (models.DrawEntry, error) {
	if f.LocalityID == 0 {
		f.LocalityID = c.locality()
	}
	if f.Color == "" && f.LandUseID != 0 {
		if lu, ok := c.styles.LandUse(f.LandUseID); ok {
			f.Color = lu.Color
		}
	}
	e, err := c.draw.RecordCreate(f)
	if err != nil {
		return models.DrawEntry{}, err
	}
	c.entriesChanged()
	return e, nil
}

// UpdateZone 只改本地条目，不访问服务端；编辑前快照取选中时预取的图斑或已加载瓦片
func (c *EditorController) UpdateZone(f models.ZoneFeature) (models.DrawEntry, error) {
	e, err := c.draw.RecordUpdate(c.fillAttributes(f))
	if err != nil {
		return models.DrawEntry{}, err
	}
	c.entriesChanged()
	return e, nil
}

func (c *EditorController) DeleteZone(f models.ZoneFeature) error {
	if err := c.draw.RecordDelete(c.fillAttributes(f)); err != nil {
		return err
	}
	c.entriesChanged()
	return nil
}

// AssignLandUse key 可以是本地条目，也可以是尚无条目的已保存图斑ID
func (c *EditorController) AssignLandUse(key string, landUseID int64) (models.DrawEntry, error) {
	lu, ok := c.styles.LandUse(landUseID)
	if !ok {
		lu = models.LandUse{ID: landUseID}
	}
	if !c.draw.Has(key) {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return models.DrawEntry{}, errors.Wrapf(models.ErrNoEntry, "key %q", key)
		}
		if k, ok := c.draw.KeyForID(id); ok {
			key = k
		} else {
			e, err := c.UpdateZone(models.ZoneFeature{ID: models.Int64Ptr(id)})
			if err != nil {
				return models.DrawEntry{}, err
			}
			key = e.Key
		}
	}
	e, err := c.draw.AssignLandUse(key, lu)
	if err != nil {
		return models.DrawEntry{}, err
	}
	c.entriesChanged()
	return e, nil
}

func (c *EditorController) createFromRows(rows []Transformer.PointRow, req PointTableRequest) (models.DrawEntry, error) {
	mode := req.Mode
	if mode == "" {
		mode = Transformer.ModeGeographic
	}
	res, err := Transformer.BuildPolygon(rows, mode, req.CRS)
	if err != nil {
		return models.DrawEntry{}, err
	}
	return c.CreateZone(models.ZoneFeature{
		LandUseID: req.LandUseID,
		Color:     req.Color,
		Status:    models.StatusDraft,
		Geometry:  res.Geometry,
	})
}

func (c *EditorController) CreateFromPointTable(req PointTableRequest) (models.DrawEntry, error) {
	return c.createFromRows(req.Rows, req)
}

func (c *EditorController) CreateFromCSV(data []byte, req PointTableRequest) (models.DrawEntry, error) {
	rows, err := Transformer.ParseCSV(data)
	if err != nil {
		return models.DrawEntry{}, err
	}
	return c.createFromRows(rows, req)
}

func (c *EditorController) Entries() []models.DrawEntry {
	return c.draw.Entries()
}

// Save 批量提交，同一时间只允许一次
func (c *EditorController) Save(ctx context.Context) (SaveResult, error) {
	start := time.Now()
	res, err := c.draw.CommitSave(ctx)
	switch {
	case errors.Is(err, models.ErrSaveInFlight):
		return res, err
	case errors.Is(err, models.ErrValidationFailed):
		c.metrics.ObserveSave("invalid", time.Since(start))
		return res, err
	case err != nil:
		c.metrics.ObserveSave("error", time.Since(start))
		c.recordSave(res.Batch, err)
		c.log.Warn().Err(err).Int("entries", len(res.Batch.Keys)).Msg("save failed, edits kept")
		c.entriesChanged()
		c.publish(EventError, errorPayload(err))
		return res, err
	}
	if len(res.Batch.Keys) == 0 {
		return res, nil
	}
	c.metrics.ObserveSave("ok", time.Since(start))
	c.recordSave(res.Batch, nil)
	c.log.Info().Int("saved", res.Saved).Int("kept", len(res.Kept)).Uint64("version", res.Version).Msg("save committed")
	c.publish(EventSave, res)
	if !res.Stale {
		c.afterBump(ctx)
	}
	c.entriesChanged()
	return res, nil
}

func (c *EditorController) recordSave(batch SaveBatch, err error) {
	if c.draft == nil || len(batch.Keys) == 0 {
		return
	}
	if rerr := c.draft.RecordSave(c.username, batch, err); rerr != nil {
		c.log.Error().Err(rerr).Msg("write save record failed")
	}
}

func (c *EditorController) Discard() {
	c.draw.DiscardAll()
	c.conflicts.Clear()
	c.entriesChanged()
}

func (c *EditorController) History(limit int) ([]models.SaveRecord, error) {
	if c.draft == nil {
		return nil, nil
	}
	return c.draft.History(limit)
}

// setStatus 乐观更新，成功后使瓦片失效以取回服务端结果
func (c *EditorController) setStatus(ctx context.Context, id int64, status models.ZoneStatus) error {
	err := c.status.SetStatus(ctx, id, status)
	c.publish(EventStatus, c.status.Overrides())
	if err != nil {
		c.refreshLegend()
		c.publish(EventError, errorPayload(err))
		return err
	}
	if c.tiles != nil {
		c.tiles.Bump()
	}
	c.afterBump(ctx)
	return nil
}

func (c *EditorController) Approve(ctx context.Context, id int64) error {
	return c.setStatus(ctx, id, models.StatusApproved)
}

func (c *EditorController) Reject(ctx context.Context, id int64) error {
	return c.setStatus(ctx, id, models.StatusRejected)
}

func (c *EditorController) SendToDraft(ctx context.Context, id int64) error {
	return c.setStatus(ctx, id, models.StatusDraft)
}

// DeleteSaved 直接删除服务端图斑，本地对应条目一并移除
func (c *EditorController) DeleteSaved(ctx context.Context, id int64) error {
	if err := c.api.DeleteZone(ctx, id); err != nil {
		c.publish(EventError, errorPayload(err))
		return err
	}
	if key, ok := c.draw.KeyForID(id); ok {
		c.draw.Drop(key)
	}
	if rec, ok := c.conflicts.Record(); ok && rec.ZoneID == id {
		c.conflicts.Clear()
	}
	if c.tiles != nil {
		c.tiles.Bump()
	}
	c.afterBump(ctx)
	c.entriesChanged()
	return nil
}

// Select 选中图斑；已保存的图斑加载冲突信息
func (c *EditorController) Select(ctx context.Context, key string) (*models.ConflictRecord, error) {
	var zoneID *int64
	if e, ok := c.draw.Entry(key); ok {
		c.draw.SetActive(key)
		zoneID = e.Feature.ID
	} else {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(models.ErrNoEntry, "key %q", key)
		}
		if k, ok := c.draw.KeyForID(id); ok {
			key = k
		}
		c.draw.SetActive(key)
		zoneID = models.Int64Ptr(id)
	}
	c.publish(EventView, c.ViewState())
	if zoneID != nil {
		c.prefetch(ctx, *zoneID)
	}

	rec, err := c.conflicts.Select(ctx, zoneID)
	if err != nil {
		c.publish(EventError, errorPayload(err))
		return nil, err
	}
	c.publish(EventConflict, rec)
	return rec, nil
}

func (c *EditorController) Deselect() {
	c.draw.SetActive("")
	c.conflicts.Clear()
	c.publish(EventView, c.ViewState())
	c.publish(EventConflict, nil)
}

func (c *EditorController) Conflict() (models.ConflictRecord, bool) {
	return c.conflicts.Record()
}

func (c *EditorController) ConflictOverlay() *geojson.Feature {
	return c.conflicts.OverlayFeature()
}

func (c *EditorController) conflictAction(ctx context.Context, fn func(context.Context) (uint64, error)) error {
	if _, err := fn(ctx); err != nil {
		if !errors.Is(err, models.ErrNoConflict) {
			c.publish(EventError, errorPayload(err))
		}
		return err
	}
	c.publish(EventConflict, nil)
	c.afterBump(ctx)
	return nil
}

func (c *EditorController) TrimConflict(ctx context.Context) error {
	return c.conflictAction(ctx, c.conflicts.Trim)
}

func (c *EditorController) SplitConflict(ctx context.Context) error {
	return c.conflictAction(ctx, c.conflicts.Split)
}

func (c *EditorController) IgnoreConflict(ctx context.Context) error {
	return c.conflictAction(ctx, c.conflicts.Ignore)
}

// RenderView 渲染投影，附带当前着色模式下的绘制方式
func (c *EditorController) RenderView() []RenderFeature {
	mode := c.colorMode()
	features := MergeRenderFeatures(c.tileFeatures(), c.draw.Entries(), c.status.Overrides())
	for i := range features {
		features[i].Paint = c.styles.Paint(features[i].Zone, mode)
	}
	return features
}

func (c *EditorController) Legend() Legend {
	return c.legend.Current()
}

func (c *EditorController) LegendImage() ([]byte, error) {
	if c.painter == nil {
		return nil, errors.New("legend painter not configured")
	}
	return c.painter.CreateLegend(c.legend.ImageItems())
}

func (c *EditorController) Styles() CompiledStyles {
	return c.styles.Styles()
}

func (c *EditorController) Pattern(key string) ([]byte, bool) {
	return c.styles.Pattern(key)
}

func (c *EditorController) LandUses() []models.LandUse {
	return c.styles.LandUses()
}

// LoadLandUses 取地类字典并重新编译样式
func (c *EditorController) LoadLandUses(ctx context.Context) error {
	lus, err := c.api.ListLandUses(ctx)
	if err != nil {
		return err
	}
	styles := c.styles.Compile(ctx, lus)
	c.log.Info().Int("landUses", len(lus)).Int("patterns", len(styles.Patterns)).Msg("styles compiled")
	c.publish(EventStyles, styles)
	c.refreshLegend()
	return nil
}

func (c *EditorController) exportItems(scope ExportScope) []Transformer.ExportItem {
	if scope == ExportView {
		return c.exporter.ViewItems(c.RenderView())
	}
	return c.exporter.EntryItems(c.draw.Entries())
}

func (c *EditorController) ExportGeoJSON(scope ExportScope) *geojson.FeatureCollection {
	return c.exporter.GeoJSON(c.exportItems(scope))
}

func (c *EditorController) ExportSHP(scope ExportScope) (string, error) {
	return c.exporter.SHP(c.exportItems(scope))
}

func (c *EditorController) ExportDXF(scope ExportScope) (string, error) {
	return c.exporter.DXF(c.exportItems(scope))
}
