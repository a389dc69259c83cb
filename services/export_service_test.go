package services

import (
	"os"
	"testing"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/pkg/errors"
)

func TestExporterItems(t *testing.T) {
	names := func(id int64) (models.LandUse, bool) {
		if id == 2 {
			return models.LandUse{ID: 2, Name: "耕地"}, true
		}
		return models.LandUse{}, false
	}
	x := NewExporter(t.TempDir(), "EPSG:4326", names)
	orig := savedZone(7, 2, models.StatusDraft, square(0, 0, 1))
	items := x.EntryItems([]models.DrawEntry{
		{Key: "7", Feature: models.ZoneFeature{ID: models.Int64Ptr(7), LandUseID: 2}, State: models.StateDeleted, Original: &orig},
		{Key: "local-1", Feature: models.ZoneFeature{LocalID: "local-1"}, State: models.StateAdded},
	})
	if len(items) != 1 {
		t.Fatalf("items %d", len(items))
	}
	if items[0].Zone.Geometry == nil || items[0].State != "Deleted" || items[0].LandUseName != "耕地" {
		t.Fatalf("item %+v", items[0])
	}

	view := x.ViewItems([]RenderFeature{{Zone: orig}, {Zone: models.ZoneFeature{ID: models.Int64Ptr(8)}}})
	if len(view) != 1 {
		t.Fatalf("view items %d", len(view))
	}
	if fc := x.GeoJSON(view); len(fc.Features) != 1 {
		t.Fatal("geojson export")
	}
}

func TestExporterWritesFiles(t *testing.T) {
	x := NewExporter(t.TempDir(), "EPSG:4326", nil)
	items := x.ViewItems([]RenderFeature{{Zone: savedZone(7, 2, models.StatusDraft, square(39.2, -6.8, 0.01))}})

	zipPath, err := x.SHP(items)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(zipPath); err != nil {
		t.Fatal(err)
	}
	dxfPath, err := x.DXF(items)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dxfPath); err != nil {
		t.Fatal(err)
	}

	if _, err := x.SHP(nil); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("empty shp export: %v", err)
	}
	if _, err := x.DXF(nil); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("empty dxf export: %v", err)
	}
}
