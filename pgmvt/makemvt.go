package pgmvt

import (
	"bytes"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
)

// ZoneLayer 服务端图斑瓦片的图层名
const ZoneLayer = "zones"

var gzipMagic = []byte{0x1f, 0x8b}

// DecodeZoneTile 解析图斑瓦片（可为 gzip 压缩）并投影回经纬度。
// 几何裁剪到瓦片范围内，跨瓦片的图斑各片不重叠。
// 只读取 zones 图层，瓦片只有一个图层时不校验图层名
func DecodeZoneTile(data []byte, tile maptile.Tile) ([]models.ZoneFeature, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var layers mvt.Layers
	var err error
	if bytes.HasPrefix(data, gzipMagic) {
		layers, err = mvt.UnmarshalGzipped(data)
	} else {
		layers, err = mvt.Unmarshal(data)
	}
	if err != nil {
		return nil, errors.Wrapf(models.ErrUnrecognizedFormat, "decode tile %d/%d/%d: %v", tile.Z, tile.X, tile.Y, err)
	}
	layers.ProjectToWGS84(tile)
	bound := tile.Bound()

	var zones []models.ZoneFeature
	for _, layer := range layers {
		if layer.Name != ZoneLayer && len(layers) > 1 {
			continue
		}
		for _, f := range layer.Features {
			if f.Geometry == nil {
				continue
			}
			f.Geometry = clip.Geometry(bound, f.Geometry)
			if f.Geometry == nil || isEmpty(f.Geometry) {
				continue
			}
			z, err := models.FeatureFromGeoJSON(f)
			if err != nil || z.ID == nil {
				// 瓦片中无法识别的要素直接跳过
				continue
			}
			zones = append(zones, z)
		}
	}
	return zones, nil
}

// EncodeZoneTile 将图斑裁剪编码为单图层瓦片
func EncodeZoneTile(zones []models.ZoneFeature, tile maptile.Tile) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, z := range zones {
		c := z.Clone()
		fc.Append(c.ToFeature())
	}
	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{ZoneLayer: fc})
	layers.ProjectToTile(tile)
	layers.Clip(mvt.MapboxGLDefaultExtentBound)
	data, err := mvt.Marshal(layers)
	if err != nil {
		return nil, errors.Wrap(err, "encode tile")
	}
	return data, nil
}

func isEmpty(g orb.Geometry) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return len(geom) == 0 || len(geom[0]) == 0
	case orb.MultiPolygon:
		return len(geom) == 0
	}
	return false
}
