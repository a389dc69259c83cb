package Transformer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gitee.com/LJ_COOL/go-shp"
	"github.com/GrainArc/ZoneMap/methods"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"github.com/yofu/dxf"
	"github.com/yofu/dxf/color"
	"github.com/yofu/dxf/entity"
)

// ExportItem 导出的一条图斑
type ExportItem struct {
	Zone        models.ZoneFeature
	State       string // Added / Edited / Deleted，服务端要素为空
	LandUseName string
}

const wgs84Prj = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// ExportGeoJSON 图斑转 FeatureCollection，附带编辑状态和用地名称
func ExportGeoJSON(items []ExportItem) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, it := range items {
		f := it.Zone.ToFeature()
		if it.State != "" {
			f.Properties["state"] = it.State
		}
		if it.LandUseName != "" {
			f.Properties["landUse"] = it.LandUseName
		}
		fc.Append(f)
	}
	return fc
}

func writeTextFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

// dbf 字段名不超过10个字符
var shpFields = []shp.Field{
	shp.NumberField("ZONE_ID", 18),
	shp.StringField("LOCAL_ID", 64),
	shp.NumberField("LANDUSE", 18),
	shp.StringField(methods.Utf8ToGbk("用地名称"), 120),
	shp.NumberField("LOCALITY", 18),
	shp.StringField("STATUS", 16),
	shp.StringField("STATE", 16),
}

// ExportSHP 写出面状shp（含 shx/dbf/cpg/prj），返回写出的文件列表
func ExportSHP(items []ExportItem, dir, name string) ([]string, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "create export directory")
	}
	base := filepath.Join(dir, name)
	w, err := shp.Create(base+".shp", shp.POLYGON)
	if err != nil {
		return nil, errors.Wrap(err, "create shapefile")
	}
	if err := w.SetFields(shpFields); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "set dbf fields")
	}

	row := 0
	for _, it := range items {
		mp, err := methods.NormalizeGeometry(it.Zone.Geometry)
		if err != nil {
			w.Close()
			return nil, errors.WithMessagef(err, "zone %s", it.Zone.Key())
		}
		var parts [][]shp.Point
		for _, poly := range mp {
			for _, ring := range poly {
				parts = append(parts, ringPoints(ring))
			}
		}
		polygon := shp.Polygon(*shp.NewPolyLine(parts))
		w.Write(&polygon)

		var id int
		if it.Zone.ID != nil {
			id = int(*it.Zone.ID)
		}
		attrs := []interface{}{
			id,
			it.Zone.LocalID,
			int(it.Zone.LandUseID),
			methods.Utf8ToGbk(it.LandUseName),
			int(it.Zone.LocalityID),
			string(it.Zone.Status),
			it.State,
		}
		for field, v := range attrs {
			if err := w.WriteAttribute(row, field, v); err != nil {
				w.Close()
				return nil, errors.Wrapf(err, "write attribute %d of row %d", field, row)
			}
		}
		row++
	}
	w.Close()

	if err := writeTextFile(base+".cpg", "GBK"); err != nil {
		return nil, errors.Wrap(err, "write cpg")
	}
	if err := writeTextFile(base+".prj", wgs84Prj); err != nil {
		return nil, errors.Wrap(err, "write prj")
	}
	return []string{base + ".shp", base + ".shx", base + ".dbf", base + ".cpg", base + ".prj"}, nil
}

func ringPoints(ring orb.Ring) []shp.Point {
	points := make([]shp.Point, 0, len(ring))
	for _, pt := range ring {
		points = append(points, shp.Point{X: pt[0], Y: pt[1]})
	}
	return points
}

// ExportSHPZip 写出shp并打包为 name.zip
func ExportSHPZip(items []ExportItem, dir, name string) (string, error) {
	files, err := ExportSHP(items, dir, name)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, name+".zip")
	if err := methods.ZipFiles(files, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// ExportDXF 投影到 crsID 后写出DXF，每个图斑一条闭合多段线并标注编号
func ExportDXF(items []ExportItem, path, crsID string) error {
	crs, err := ParseCRS(crsID)
	if err != nil {
		return err
	}
	d := dxf.NewDrawing()
	d.Header().LtScale = 1.0
	d.AddLayer("ZONE", color.Red, dxf.DefaultLineType, false)
	d.AddLayer("LABEL", color.White, dxf.DefaultLineType, false)

	for _, it := range items {
		mp, err := methods.NormalizeGeometry(it.Zone.Geometry)
		if err != nil {
			return errors.WithMessagef(err, "zone %s", it.Zone.Key())
		}
		d.ChangeLayer("ZONE")
		for _, poly := range mp {
			for _, ring := range poly {
				// 闭合点由 Close 表达
				n := len(ring) - 1
				lwp := entity.NewLwPolyline(n)
				for j := 0; j < n; j++ {
					p, err := crs.ToProjected(ring[j])
					if err != nil {
						return errors.WithMessagef(err, "zone %s", it.Zone.Key())
					}
					lwp.Vertices[j] = []float64{p[0], p[1]}
				}
				lwp.Close()
				d.AddEntity(lwp)
			}
		}

		c, err := crs.ToProjected(mp.Bound().Center())
		if err != nil {
			return errors.WithMessagef(err, "zone %s", it.Zone.Key())
		}
		d.ChangeLayer("LABEL")
		if _, err := d.Text(exportLabel(it), c[0], c[1], 0, labelHeight(crs)); err != nil {
			return errors.Wrap(err, "write dxf label")
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Wrap(err, "create export directory")
	}
	if err := d.SaveAs(path); err != nil {
		return errors.Wrap(err, "save dxf")
	}
	return nil
}

func exportLabel(it ExportItem) string {
	if it.Zone.ID != nil {
		return strconv.FormatInt(*it.Zone.ID, 10)
	}
	return fmt.Sprintf("new %s", it.Zone.LocalID)
}

// 经纬度输出时字高按度计
func labelHeight(crs *CRS) float64 {
	if crs.Geographic {
		return 0.0001
	}
	return 5
}
