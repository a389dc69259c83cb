package services

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func newReconciler(api ZoneAPI, inv Invalidator, saved ...models.ZoneFeature) *DrawStateReconciler {
	byID := make(map[int64]models.ZoneFeature)
	for _, z := range saved {
		byID[*z.ID] = z
	}
	snap := func(id int64) (models.ZoneFeature, bool) {
		z, ok := byID[id]
		return z, ok
	}
	return NewDrawStateReconciler(api, inv, snap, zerolog.Nop())
}

func newZone(landUse int64) models.ZoneFeature {
	return models.ZoneFeature{LandUseID: landUse, LocalityID: 1, Geometry: square(39.27, -6.81, 0.001)}
}

func TestRecordCreate(t *testing.T) {
	r := newReconciler(newFakeAPI(), nil)
	e, err := r.RecordCreate(newZone(3))
	if err != nil {
		t.Fatal(err)
	}
	if e.State != models.StateAdded || e.Original != nil || e.Feature.ID != nil {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !strings.HasPrefix(e.Key, LocalKeyPrefix) || e.Feature.LocalID != e.Key {
		t.Fatalf("key %q, local id %q", e.Key, e.Feature.LocalID)
	}
	if _, ok := e.Feature.Geometry.(orb.MultiPolygon); !ok {
		t.Fatalf("geometry stored as %T", e.Feature.Geometry)
	}
	if e.Feature.Status != models.StatusDraft {
		t.Fatalf("status %q", e.Feature.Status)
	}
	if r.ActiveKey() != e.Key {
		t.Fatal("new zone should become active")
	}

	if _, err := r.RecordCreate(models.ZoneFeature{Geometry: orb.Point{1, 2}}); !errors.Is(err, models.ErrUnsupportedGeometry) {
		t.Fatalf("point geometry: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len %d", r.Len())
	}
}

func TestUpdateAddedStaysAdded(t *testing.T) {
	r := newReconciler(newFakeAPI(), nil)
	e, _ := r.RecordCreate(newZone(3))
	f := e.Feature
	f.Geometry = square(39.27, -6.81, 0.002)
	u, err := r.RecordUpdate(f)
	if err != nil {
		t.Fatal(err)
	}
	if u.State != models.StateAdded || u.Original != nil || u.Revision != 2 {
		t.Fatalf("unexpected entry %+v", u)
	}
}

func TestDeleteAddedRemovesEntry(t *testing.T) {
	r := newReconciler(newFakeAPI(), nil)
	e, _ := r.RecordCreate(newZone(3))
	if err := r.RecordDelete(e.Feature); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 || r.ActiveKey() != "" {
		t.Fatalf("len %d active %q", r.Len(), r.ActiveKey())
	}
	if err := r.RecordDelete(e.Feature); !errors.Is(err, models.ErrNoEntry) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestEditSavedKeepsFirstOriginal(t *testing.T) {
	saved := savedZone(5, 2, models.StatusApproved, square(39.0, -6.0, 0.01))
	r := newReconciler(newFakeAPI(), nil, saved)

	first := saved.Clone()
	first.Geometry = square(39.0, -6.0, 0.02)
	e, err := r.RecordUpdate(first)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != models.StateEdited || e.Key != "5" || e.Original == nil {
		t.Fatalf("unexpected entry %+v", e)
	}
	orig := e.Original.Clone()

	second := saved.Clone()
	second.Geometry = square(39.0, -6.0, 0.03)
	second.LandUseID = 4
	e, err = r.RecordUpdate(second)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*e.Original, orig) {
		t.Fatalf("original changed after second edit: %+v", e.Original)
	}
	if e.Original.LandUseID != 2 || e.Feature.LandUseID != 4 || e.Revision != 2 {
		t.Fatalf("unexpected entry %+v", e)
	}

	if err := r.RecordDelete(saved); err != nil {
		t.Fatal(err)
	}
	d, _ := r.Entry("5")
	if d.State != models.StateDeleted || !reflect.DeepEqual(*d.Original, orig) {
		t.Fatalf("delete lost original: %+v", d)
	}
}

func TestUpdateUnknownUnsavedZone(t *testing.T) {
	r := newReconciler(newFakeAPI(), nil)
	_, err := r.RecordUpdate(models.ZoneFeature{LocalID: "local-x", Geometry: square(0, 0, 1)})
	if !errors.Is(err, models.ErrNoEntry) {
		t.Fatalf("got %v", err)
	}
}

func TestAssignLandUse(t *testing.T) {
	r := newReconciler(newFakeAPI(), nil)
	e, _ := r.RecordCreate(newZone(0))
	got, err := r.AssignLandUse(e.Key, models.LandUse{ID: 8, Color: "#ABC"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Feature.LandUseID != 8 || got.Feature.Color != "#aabbcc" {
		t.Fatalf("unexpected feature %+v", got.Feature)
	}
	if _, err := r.AssignLandUse("missing", models.LandUse{ID: 1}); !errors.Is(err, models.ErrNoEntry) {
		t.Fatalf("missing key: %v", err)
	}
}

func TestSaveValidationFailsWithoutCall(t *testing.T) {
	api := newFakeAPI()
	inv := &countingInvalidator{}
	r := newReconciler(api, inv)
	r.RecordCreate(newZone(0))

	_, err := r.CommitSave(context.Background())
	if !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("got %v", err)
	}
	if api.bulkCount() != 0 || inv.count() != 0 {
		t.Fatal("invalid batch must not reach the server")
	}
	if r.Len() != 1 || r.Saving() {
		t.Fatal("local state should be unchanged")
	}
}

func TestCommitSaveClearsEntriesAndBumps(t *testing.T) {
	api := newFakeAPI()
	inv := &countingInvalidator{}
	s5 := savedZone(5, 2, models.StatusApproved, square(39.0, -6.0, 0.01))
	s6 := savedZone(6, 2, models.StatusDraft, square(39.1, -6.0, 0.01))
	api.put(s5)
	api.put(s6)
	r := newReconciler(api, inv, s5, s6)

	a, _ := r.RecordCreate(newZone(3))
	edit := s5.Clone()
	edit.Geometry = square(39.0, -6.0, 0.02)
	r.RecordUpdate(edit)
	r.RecordDelete(models.ZoneFeature{ID: models.Int64Ptr(6)})

	res, err := r.CommitSave(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Saved != 3 || r.Len() != 0 || len(res.Kept) != 0 {
		t.Fatalf("result %+v, %d entries left", res, r.Len())
	}
	if res.IDs[a.Key] == 0 || res.IDs["5"] != 5 {
		t.Fatalf("ids %v", res.IDs)
	}
	if inv.count() != 1 || res.Version != 1 {
		t.Fatalf("bumps %d version %d", inv.count(), res.Version)
	}

	fc := api.bulkCalls[0]
	if len(fc.Features) != 3 {
		t.Fatalf("batch has %d features", len(fc.Features))
	}
	for _, f := range fc.Features {
		if f.Geometry.GeoJSONType() != "MultiPolygon" {
			t.Errorf("batch geometry %s", f.Geometry.GeoJSONType())
		}
	}
	if fc.Features[2].Properties["deleted"] != true {
		t.Errorf("deleted flag missing: %v", fc.Features[2].Properties)
	}
	if _, ok := api.zones[6]; ok {
		t.Error("zone 6 should be deleted on the server")
	}
}

func TestCommitSaveFailureKeepsEntries(t *testing.T) {
	api := newFakeAPI()
	api.bulkErr = errors.Wrap(models.ErrNetworkFailure, "bulk")
	inv := &countingInvalidator{}
	r := newReconciler(api, inv)
	r.RecordCreate(newZone(3))
	r.RecordCreate(newZone(4))
	before := r.Entries()

	if _, err := r.CommitSave(context.Background()); !errors.Is(err, models.ErrNetworkFailure) {
		t.Fatalf("got %v", err)
	}
	if !reflect.DeepEqual(r.Entries(), before) {
		t.Fatal("entries changed after failed save")
	}
	if inv.count() != 0 || r.Saving() {
		t.Fatal("failed save must not invalidate tiles")
	}
}

func TestEmptySaveIsNoop(t *testing.T) {
	api := newFakeAPI()
	r := newReconciler(api, &countingInvalidator{})
	res, err := r.CommitSave(context.Background())
	if err != nil || res.Saved != 0 || api.bulkCount() != 0 {
		t.Fatalf("res %+v err %v calls %d", res, err, api.bulkCount())
	}
}

// startGatedSave 开始一次阻塞在服务端的保存
func startGatedSave(t *testing.T, api *fakeAPI, r *DrawStateReconciler) (chan struct{}, <-chan SaveResult, <-chan error) {
	t.Helper()
	gate := make(chan struct{})
	api.bulkGate = gate
	api.bulkStarted = make(chan struct{}, 1)
	resCh := make(chan SaveResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := r.CommitSave(context.Background())
		resCh <- res
		errCh <- err
	}()
	<-api.bulkStarted
	return gate, resCh, errCh
}

func TestEditsDuringSaveAreKept(t *testing.T) {
	api := newFakeAPI()
	r := newReconciler(api, &countingInvalidator{})
	a, _ := r.RecordCreate(newZone(3))
	b, _ := r.RecordCreate(newZone(4))

	gate, resCh, errCh := startGatedSave(t, api, r)
	if _, err := r.CommitSave(context.Background()); !errors.Is(err, models.ErrSaveInFlight) {
		t.Fatalf("second save: %v", err)
	}
	moved := a.Feature
	moved.Geometry = square(39.3, -6.8, 0.001)
	if _, err := r.RecordUpdate(moved); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordDelete(b.Feature); err != nil {
		t.Fatal(err)
	}
	close(gate)
	res, err := <-resCh, <-errCh
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Kept) != 2 {
		t.Fatalf("kept %v", res.Kept)
	}

	ea, ok := r.Entry(a.Key)
	if !ok || ea.State != models.StateEdited || ea.Feature.ID == nil || ea.Revision != 2 {
		t.Fatalf("entry a %+v", ea)
	}
	if ea.Original == nil || *ea.Original.ID != *ea.Feature.ID {
		t.Fatalf("entry a original %+v", ea.Original)
	}
	if !reflect.DeepEqual(ea.Feature.Geometry, orb.MultiPolygon{moved.Geometry.(orb.Polygon)}) {
		t.Fatalf("entry a lost its new geometry: %v", ea.Feature.Geometry)
	}
	eb, ok := r.Entry(b.Key)
	if !ok || eb.State != models.StateDeleted || eb.Feature.ID == nil {
		t.Fatalf("entry b %+v", eb)
	}

	// 下一次保存把 b 作为删除提交
	api.bulkGate, api.bulkStarted = nil, nil
	if _, err := r.CommitSave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatalf("%d entries left", r.Len())
	}
	if _, ok := api.zones[*eb.Feature.ID]; ok {
		t.Fatal("b should be deleted on the server")
	}
}

func TestDeleteAddedDuringFailedSave(t *testing.T) {
	api := newFakeAPI()
	api.bulkErr = errors.Wrap(models.ErrNetworkFailure, "bulk")
	r := newReconciler(api, &countingInvalidator{})
	c, _ := r.RecordCreate(newZone(3))

	gate, _, errCh := startGatedSave(t, api, r)
	if err := r.RecordDelete(c.Feature); err != nil {
		t.Fatal(err)
	}
	if e, _ := r.Entry(c.Key); e.State != models.StateDeleted {
		t.Fatalf("in-flight delete should leave a tombstone, got %+v", e)
	}
	close(gate)
	if err := <-errCh; err == nil {
		t.Fatal("expected save error")
	}
	if r.Len() != 0 {
		t.Fatal("tombstone without an id should be dropped after failure")
	}
}

func TestStaleSaveCompletionIgnored(t *testing.T) {
	inv := &countingInvalidator{}
	r := newReconciler(newFakeAPI(), inv)
	r.RecordCreate(newZone(3))
	first, err := r.BuildSaveBatch()
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.BuildSaveBatch()
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq %d then %d", first.Seq, second.Seq)
	}
	if res, err := r.ApplySave(second, []int64{101}, nil); err != nil || res.Stale {
		t.Fatalf("newer batch: %+v %v", res, err)
	}
	res, err := r.ApplySave(first, []int64{101}, nil)
	if err != nil || !res.Stale {
		t.Fatalf("older batch should be stale: %+v %v", res, err)
	}
	if inv.count() != 1 {
		t.Fatalf("stale completion bumped tiles, %d bumps", inv.count())
	}
}

func TestRestoreAndLocalKeys(t *testing.T) {
	r := newReconciler(newFakeAPI(), nil)
	entries := []models.DrawEntry{
		{Key: "local-1", Feature: models.ZoneFeature{LocalID: "local-1", Geometry: square(0, 0, 1)}, State: models.StateAdded, Revision: 1},
		{Key: "9", Feature: models.ZoneFeature{ID: models.Int64Ptr(9), Geometry: square(1, 1, 1)}, State: models.StateEdited, Revision: 3},
	}
	r.Restore(entries)
	keys, ids := r.LocalKeys()
	if !keys["local-1"] || !keys["9"] || !ids[9] || len(ids) != 1 {
		t.Fatalf("keys %v ids %v", keys, ids)
	}
	if k, ok := r.KeyForID(9); !ok || k != "9" {
		t.Fatalf("KeyForID: %q %v", k, ok)
	}
	if !r.Drop("9") || r.Drop("9") {
		t.Fatal("drop should succeed exactly once")
	}
	r.DiscardAll()
	if r.Len() != 0 {
		t.Fatal("discard left entries")
	}
}
