package services

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GrainArc/ZoneMap/Transformer"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
)

// ExportScope 导出范围
type ExportScope string

const (
	ExportEntries ExportScope = "entries" // 本地全部条目，含删除标记
	ExportView    ExportScope = "view"    // 当前渲染结果
)

// Exporter 本地导出，文件写到下载目录下
type Exporter struct {
	dir    string
	dxfCrs string
	names  func(id int64) (models.LandUse, bool)
}

func NewExporter(dir, dxfCrs string, names func(id int64) (models.LandUse, bool)) *Exporter {
	if names == nil {
		names = func(int64) (models.LandUse, bool) { return models.LandUse{}, false }
	}
	return &Exporter{dir: dir, dxfCrs: dxfCrs, names: names}
}

func (x *Exporter) landUseName(id int64) string {
	if lu, ok := x.names(id); ok {
		return lu.Name
	}
	return ""
}

// EntryItems 本地条目转导出项
func (x *Exporter) EntryItems(entries []models.DrawEntry) []Transformer.ExportItem {
	items := make([]Transformer.ExportItem, 0, len(entries))
	for _, e := range entries {
		z := e.Feature
		if z.Geometry == nil && e.Original != nil {
			z.Geometry = e.Original.Geometry
		}
		if z.Geometry == nil {
			continue
		}
		items = append(items, Transformer.ExportItem{Zone: z, State: string(e.State), LandUseName: x.landUseName(z.LandUseID)})
	}
	return items
}

// ViewItems 渲染结果转导出项
func (x *Exporter) ViewItems(features []RenderFeature) []Transformer.ExportItem {
	items := make([]Transformer.ExportItem, 0, len(features))
	for _, rf := range features {
		if rf.Zone.Geometry == nil {
			continue
		}
		items = append(items, Transformer.ExportItem{Zone: rf.Zone, State: string(rf.State), LandUseName: x.landUseName(rf.Zone.LandUseID)})
	}
	return items
}

func (x *Exporter) GeoJSON(items []Transformer.ExportItem) *geojson.FeatureCollection {
	return Transformer.ExportGeoJSON(items)
}

func exportName(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, time.Now().Format("20060102150405"))
}

// SHP 写出压缩的shp，返回zip路径
func (x *Exporter) SHP(items []Transformer.ExportItem) (string, error) {
	if len(items) == 0 {
		return "", errors.Wrap(models.ErrValidationFailed, "nothing to export")
	}
	name := exportName("zones")
	dir := filepath.Join(x.dir, name)
	path, err := Transformer.ExportSHPZip(items, dir, name)
	if err != nil {
		return "", err
	}
	return path, nil
}

// DXF 写出DXF，坐标系取配置
func (x *Exporter) DXF(items []Transformer.ExportItem) (string, error) {
	if len(items) == 0 {
		return "", errors.Wrap(models.ErrValidationFailed, "nothing to export")
	}
	if err := os.MkdirAll(x.dir, os.ModePerm); err != nil {
		return "", errors.Wrap(err, "create export directory")
	}
	path := filepath.Join(x.dir, exportName("zones")+".dxf")
	if err := Transformer.ExportDXF(items, path, x.dxfCrs); err != nil {
		return "", err
	}
	return path, nil
}
