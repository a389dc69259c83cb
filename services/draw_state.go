package services

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/GrainArc/ZoneMap/methods"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// LocalKeyPrefix 未保存图斑的临时ID前缀
const LocalKeyPrefix = "local-"

// SnapshotFunc 查找已保存图斑的编辑前状态
type SnapshotFunc func(id int64) (models.ZoneFeature, bool)

// Invalidator 保存成功后使瓦片缓存失效
type Invalidator interface {
	Bump() uint64
}

// SaveBatch 一次批量提交的内容，Revisions 记录打包时各条目的版本
type SaveBatch struct {
	Seq       uint64
	Keys      []string
	States    []models.LifecycleState
	Features  []models.ZoneFeature
	Revisions map[string]uint64
}

// Collection 批量提交的请求体，删除的要素带 deleted=true
func (b SaveBatch) Collection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, f := range b.Features {
		gf := f.ToFeature()
		if b.States[i] == models.StateDeleted {
			gf.Properties["deleted"] = true
		}
		fc.Append(gf)
	}
	return fc
}

// SaveResult 保存结果
type SaveResult struct {
	Saved   int              `json:"saved"`
	IDs     map[string]int64 `json:"ids"`
	Kept    []string         `json:"kept"` // 保存期间又被修改、仍保留的条目
	Version uint64           `json:"version"`
	Stale   bool             `json:"stale,omitempty"`
	Batch   SaveBatch        `json:"-"`
}

// DrawStateReconciler 本地编辑状态：新增、修改、删除三种条目
type DrawStateReconciler struct {
	api      ZoneAPI
	tiles    Invalidator
	snapshot SnapshotFunc
	validate *validator.Validate
	log      zerolog.Logger

	mu          sync.RWMutex
	entries     map[string]*models.DrawEntry
	order       []string
	active      string
	saving      bool
	inflight    map[string]models.LifecycleState // 正在提交的条目及其打包时状态
	batchSeq    uint64
	lastApplied uint64
}

func NewDrawStateReconciler(api ZoneAPI, tiles Invalidator, snapshot SnapshotFunc, log zerolog.Logger) *DrawStateReconciler {
	if snapshot == nil {
		snapshot = func(int64) (models.ZoneFeature, bool) { return models.ZoneFeature{}, false }
	}
	return &DrawStateReconciler{
		api:      api,
		tiles:    tiles,
		snapshot: snapshot,
		validate: validator.New(),
		log:      log.With().Str("component", "draw").Logger(),
		entries:  make(map[string]*models.DrawEntry),
		inflight: make(map[string]models.LifecycleState),
	}
}

func newLocalKey() string {
	return LocalKeyPrefix + uuid.NewString()
}

// lookup 先按 key，再按服务端ID查找条目
func (r *DrawStateReconciler) lookup(f models.ZoneFeature) *models.DrawEntry {
	if k := f.Key(); k != "" {
		if e, ok := r.entries[k]; ok {
			return e
		}
	}
	if f.ID != nil {
		for _, k := range r.order {
			e := r.entries[k]
			if e.Feature.ID != nil && *e.Feature.ID == *f.ID {
				return e
			}
		}
	}
	return nil
}

func (r *DrawStateReconciler) insert(e *models.DrawEntry) {
	r.entries[e.Key] = e
	r.order = append(r.order, e.Key)
}

func (r *DrawStateReconciler) remove(key string) {
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.active == key {
		r.active = ""
	}
}

func (r *DrawStateReconciler) original(f models.ZoneFeature) *models.ZoneFeature {
	if f.ID != nil {
		if snap, ok := r.snapshot(*f.ID); ok {
			o := snap.Clone()
			return &o
		}
	}
	o := f.Clone()
	return &o
}

// RecordCreate 新建图斑，分配临时ID并设为当前选中
func (r *DrawStateReconciler) RecordCreate(feature models.ZoneFeature) (models.DrawEntry, error) {
	geom, err := methods.NormalizeGeometry(feature.Geometry)
	if err != nil {
		return models.DrawEntry{}, err
	}
	f := feature.Clone()
	f.Geometry = geom
	f.ID = nil
	f.LocalID = newLocalKey()
	if f.Status == "" {
		f.Status = models.StatusDraft
	}
	f.Color = methods.NormalizeColor(f.Color)

	r.mu.Lock()
	defer r.mu.Unlock()
	e := &models.DrawEntry{Key: f.LocalID, Feature: f, State: models.StateAdded, Revision: 1}
	r.insert(e)
	r.active = e.Key
	return e.Clone(), nil
}

// RecordUpdate 新增条目保持 Added；其他条目变为 Edited 并保留首次编辑前快照
func (r *DrawStateReconciler) RecordUpdate(feature models.ZoneFeature) (models.DrawEntry, error) {
	f := feature.Clone()
	if f.Geometry != nil {
		geom, err := methods.NormalizeGeometry(f.Geometry)
		if err != nil {
			return models.DrawEntry{}, err
		}
		f.Geometry = geom
	}
	f.Color = methods.NormalizeColor(f.Color)

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(f)
	if e == nil {
		if f.ID == nil {
			return models.DrawEntry{}, errors.Wrapf(models.ErrNoEntry, "unsaved zone %q", f.Key())
		}
		orig := r.original(f)
		if f.Geometry == nil {
			f.Geometry = orig.Clone().Geometry
		}
		if f.Geometry == nil {
			return models.DrawEntry{}, errors.Wrapf(models.ErrUnsupportedGeometry, "zone %d has no geometry", *f.ID)
		}
		e = &models.DrawEntry{
			Key:      strconv.FormatInt(*f.ID, 10),
			Feature:  f,
			State:    models.StateEdited,
			Original: orig,
			Revision: 1,
		}
		r.insert(e)
		return e.Clone(), nil
	}

	if f.Geometry == nil {
		f.Geometry = e.Feature.Geometry
	}
	// 条目上的标识以本地为准
	f.LocalID = e.Feature.LocalID
	f.ID = e.Feature.ID
	if f.Status == "" {
		f.Status = e.Feature.Status
	}
	e.Feature = f
	if e.State == models.StateDeleted {
		e.State = models.StateEdited
	}
	e.Revision++
	return e.Clone(), nil
}

// RecordDelete Added 条目直接移除；其他条目标记为 Deleted
func (r *DrawStateReconciler) RecordDelete(feature models.ZoneFeature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(feature)
	if e == nil {
		if feature.ID == nil {
			return errors.Wrapf(models.ErrNoEntry, "unsaved zone %q", feature.Key())
		}
		f := feature.Clone()
		orig := r.original(f)
		if f.Geometry == nil {
			f.Geometry = orig.Clone().Geometry
		}
		r.insert(&models.DrawEntry{
			Key:      strconv.FormatInt(*f.ID, 10),
			Feature:  f,
			State:    models.StateDeleted,
			Original: orig,
			Revision: 1,
		})
		if r.active == f.Key() {
			r.active = ""
		}
		return nil
	}

	switch e.State {
	case models.StateAdded:
		if _, sending := r.inflight[e.Key]; sending {
			// 正在提交中：留下删除标记，保存返回ID后再删除
			snap := e.Feature.Clone()
			e.Original = &snap
			e.State = models.StateDeleted
			e.Revision++
		} else {
			r.remove(e.Key)
		}
	case models.StateEdited:
		e.State = models.StateDeleted
		e.Revision++
	case models.StateDeleted:
	}
	if r.active == e.Key {
		r.active = ""
	}
	return nil
}

// AssignLandUse 设置待保存图斑的地类及颜色
func (r *DrawStateReconciler) AssignLandUse(key string, lu models.LandUse) (models.DrawEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || !e.Live() {
		return models.DrawEntry{}, errors.Wrapf(models.ErrNoEntry, "key %q", key)
	}
	e.Feature.LandUseID = lu.ID
	e.Feature.Color = methods.NormalizeColor(lu.Color)
	e.Revision++
	return e.Clone(), nil
}

// BuildSaveBatch 打包全部条目，缺少地类或行政区时返回校验错误，不发请求
func (r *DrawStateReconciler) BuildSaveBatch() (SaveBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildBatchLocked()
}

func (r *DrawStateReconciler) buildBatchLocked() (SaveBatch, error) {
	batch := SaveBatch{Revisions: make(map[string]uint64, len(r.order))}
	var invalid []string
	for _, k := range r.order {
		e := r.entries[k]
		f := e.Feature.Clone()
		// 删除只需要ID，几何可缺省，属性不校验
		if f.Geometry != nil || e.State != models.StateDeleted {
			geom, err := methods.NormalizeGeometry(f.Geometry)
			if err != nil {
				return SaveBatch{}, errors.WithMessagef(err, "zone %s", k)
			}
			f.Geometry = geom
		}
		if e.State != models.StateDeleted {
			if err := r.validate.Struct(f); err != nil {
				invalid = append(invalid, describeValidation(k, err))
				continue
			}
		}
		batch.Keys = append(batch.Keys, k)
		batch.States = append(batch.States, e.State)
		batch.Features = append(batch.Features, f)
		batch.Revisions[k] = e.Revision
	}
	if len(invalid) > 0 {
		return SaveBatch{}, errors.Wrap(models.ErrValidationFailed, strings.Join(invalid, "; "))
	}
	r.batchSeq++
	batch.Seq = r.batchSeq
	return batch, nil
}

func describeValidation(key string, err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return key + ": " + err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return key + " missing " + strings.Join(fields, ",")
}

// CommitSave 一次批量提交。成功后清除打包时未再修改的条目并使瓦片失效；失败时本地状态不变
func (r *DrawStateReconciler) CommitSave(ctx context.Context) (SaveResult, error) {
	r.mu.Lock()
	if r.saving {
		r.mu.Unlock()
		return SaveResult{}, models.ErrSaveInFlight
	}
	batch, err := r.buildBatchLocked()
	if err != nil {
		r.mu.Unlock()
		return SaveResult{}, err
	}
	if len(batch.Keys) == 0 {
		r.mu.Unlock()
		return SaveResult{IDs: map[string]int64{}}, nil
	}
	r.saving = true
	for i, k := range batch.Keys {
		r.inflight[k] = batch.States[i]
	}
	r.mu.Unlock()

	ids, err := r.api.BulkUpsert(ctx, batch.Collection())
	res, err := r.ApplySave(batch, ids, err)
	res.Batch = batch
	return res, err
}

// ApplySave 处理一次提交的返回。早于已处理批次的结果直接忽略
func (r *DrawStateReconciler) ApplySave(batch SaveBatch, ids []int64, saveErr error) (SaveResult, error) {
	r.mu.Lock()
	r.saving = false
	inflight := r.inflight
	r.inflight = make(map[string]models.LifecycleState)

	if saveErr != nil {
		// 提交中删除的新图斑没有拿到ID，直接移除
		for k, st := range inflight {
			if e, ok := r.entries[k]; ok && st == models.StateAdded && e.State == models.StateDeleted && e.Feature.ID == nil {
				r.remove(k)
			}
		}
		r.mu.Unlock()
		return SaveResult{}, saveErr
	}
	if batch.Seq <= r.lastApplied {
		r.log.Warn().Uint64("seq", batch.Seq).Uint64("applied", r.lastApplied).Msg("ignoring stale save completion")
		r.mu.Unlock()
		return SaveResult{Stale: true}, nil
	}
	r.lastApplied = batch.Seq

	res := SaveResult{IDs: make(map[string]int64)}
	for i, k := range batch.Keys {
		var id *int64
		if i < len(ids) && ids[i] != 0 {
			id = models.Int64Ptr(ids[i])
			res.IDs[k] = ids[i]
		}
		res.Saved++
		e, ok := r.entries[k]
		if !ok {
			continue
		}
		if e.Revision == batch.Revisions[k] {
			r.remove(k)
			continue
		}
		// 保存期间又被修改：以刚保存的版本作为编辑前快照
		saved := batch.Features[i].Clone()
		if saved.ID == nil {
			saved.ID = id
		}
		if e.Feature.ID == nil && id != nil {
			e.Feature.ID = models.Int64Ptr(*id)
		}
		if batch.States[i] == models.StateDeleted {
			continue
		}
		e.Original = &saved
		if e.State == models.StateAdded {
			if e.Feature.ID != nil {
				e.State = models.StateEdited
			}
		}
		res.Kept = append(res.Kept, k)
	}
	r.mu.Unlock()

	if r.tiles != nil {
		res.Version = r.tiles.Bump()
	}
	return res, nil
}

// Saving 是否有提交在进行
func (r *DrawStateReconciler) Saving() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saving
}

// DiscardAll 清空本地编辑
func (r *DrawStateReconciler) DiscardAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*models.DrawEntry)
	r.order = nil
	r.active = ""
}

// Drop 移除单个条目，服务端已删除的图斑不再需要本地编辑
func (r *DrawStateReconciler) Drop(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return false
	}
	r.remove(key)
	return true
}

// KeyForID 按服务端ID查找条目 key
func (r *DrawStateReconciler) KeyForID(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.order {
		if fid := r.entries[k].Feature.ID; fid != nil && *fid == id {
			return k, true
		}
	}
	return "", false
}

// Restore 从草稿恢复，已有条目会被覆盖
func (r *DrawStateReconciler) Restore(entries []models.DrawEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*models.DrawEntry)
	r.order = nil
	r.active = ""
	for _, e := range entries {
		c := e.Clone()
		r.insert(&c)
	}
}

func (r *DrawStateReconciler) Entries() []models.DrawEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DrawEntry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k].Clone())
	}
	return out
}

func (r *DrawStateReconciler) Entry(key string) (models.DrawEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return models.DrawEntry{}, false
	}
	return e.Clone(), true
}

func (r *DrawStateReconciler) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

func (r *DrawStateReconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *DrawStateReconciler) ActiveKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *DrawStateReconciler) SetActive(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = key
}

// LocalKeys 本地条目的 key 以及已知的服务端ID
func (r *DrawStateReconciler) LocalKeys() (map[string]bool, map[int64]bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make(map[string]bool, len(r.order))
	ids := make(map[int64]bool)
	for _, k := range r.order {
		keys[k] = true
		if id := r.entries[k].Feature.ID; id != nil {
			ids[*id] = true
		}
	}
	return keys, ids
}
