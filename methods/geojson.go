package methods

import (
	"encoding/hex"
	"math"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/pkg/errors"
)

// CloseRing 首尾点不一致时补上首点
func CloseRing(r orb.Ring) orb.Ring {
	if len(r) == 0 {
		return r
	}
	out := make(orb.Ring, len(r), len(r)+1)
	copy(out, r)
	if !out[0].Equal(out[len(out)-1]) {
		out = append(out, out[0])
	}
	return out
}

// NormalizeGeometry 统一为 MultiPolygon：闭合各环并校验，Polygon 升级为 MultiPolygon
func NormalizeGeometry(g orb.Geometry) (orb.MultiPolygon, error) {
	switch geom := g.(type) {
	case orb.Ring:
		p, err := normalizePolygon(orb.Polygon{geom})
		if err != nil {
			return nil, err
		}
		return orb.MultiPolygon{p}, nil
	case orb.Polygon:
		p, err := normalizePolygon(geom)
		if err != nil {
			return nil, err
		}
		return orb.MultiPolygon{p}, nil
	case orb.MultiPolygon:
		if len(geom) == 0 {
			return nil, errors.Wrap(models.ErrInsufficientPoints, "empty multipolygon")
		}
		out := make(orb.MultiPolygon, 0, len(geom))
		for _, poly := range geom {
			p, err := normalizePolygon(poly)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case nil:
		return nil, errors.Wrap(models.ErrUnsupportedGeometry, "missing geometry")
	default:
		return nil, errors.Wrapf(models.ErrUnsupportedGeometry, "geometry type %s", g.GeoJSONType())
	}
}

func normalizePolygon(p orb.Polygon) (orb.Polygon, error) {
	if len(p) == 0 {
		return nil, errors.Wrap(models.ErrInsufficientPoints, "polygon without rings")
	}
	out := make(orb.Polygon, 0, len(p))
	for i, r := range p {
		for _, pt := range r {
			if !finite(pt[0]) || !finite(pt[1]) {
				return nil, errors.Wrapf(models.ErrInvalidCoordinate, "ring %d has non-finite coordinate", i)
			}
		}
		closed := CloseRing(r)
		// 闭合环至少需要3个不同点
		if len(closed) < 4 {
			return nil, errors.Wrapf(models.ErrInsufficientPoints, "ring %d has %d points", i, len(closed))
		}
		out = append(out, closed)
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// GeoJsonToWKB 几何转十六进制WKB，Polygon 先升级为 MultiPolygon
func GeoJsonToWKB(g orb.Geometry) (string, error) {
	if polygon, ok := g.(orb.Polygon); ok {
		g = orb.MultiPolygon{polygon}
	}
	data, err := wkb.Marshal(g)
	if err != nil {
		return "", errors.Wrap(err, "marshal wkb")
	}
	return hex.EncodeToString(data), nil
}

// WKBToGeometry 十六进制WKB还原几何
func WKBToGeometry(s string) (orb.Geometry, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode wkb hex")
	}
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal wkb")
	}
	return g, nil
}
