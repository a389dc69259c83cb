package Transformer

import (
	"sort"

	"github.com/GrainArc/ZoneMap/methods"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// CoordMode 界址点表坐标模式
type CoordMode string

const (
	// ModeGeographic a=纬度 b=经度
	ModeGeographic CoordMode = "geographic"
	// ModeProjected a=东坐标 b=北坐标
	ModeProjected CoordMode = "projected"
)

// PointRow 界址点表中的一行，字段为空表示缺失
type PointRow struct {
	Order *float64 `json:"order"`
	A     *float64 `json:"a"`
	B     *float64 `json:"b"`
}

func (r PointRow) complete() bool {
	return r.Order != nil && r.A != nil && r.B != nil
}

// PolygonResult 闭合环以及规范化后的几何
type PolygonResult struct {
	Ring     orb.Ring         `json:"ring"`
	Geometry orb.MultiPolygon `json:"-"`
}

// BuildPolygon 由界址点表构造闭合多边形
func BuildPolygon(rows []PointRow, mode CoordMode, crsID string) (*PolygonResult, error) {
	var valid []PointRow
	for _, r := range rows {
		if r.complete() {
			valid = append(valid, r)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return *valid[i].Order < *valid[j].Order
	})
	if len(valid) < 3 {
		return nil, errors.Wrapf(models.ErrInsufficientPoints, "need at least 3 points, got %d", len(valid))
	}

	var crs *CRS
	var err error
	switch mode {
	case ModeProjected:
		crs, err = ParseCRS(crsID)
		if err != nil {
			return nil, err
		}
		if crs.Geographic {
			return nil, errors.Wrapf(models.ErrInvalidCrsIdentifier, "%q is not a projected crs", crsID)
		}
	case ModeGeographic, "":
		crs = &CRS{Geographic: true}
	default:
		return nil, errors.Wrapf(models.ErrUnrecognizedFormat, "unknown coordinate mode %q", mode)
	}

	ring := make(orb.Ring, 0, len(valid)+1)
	for i, r := range valid {
		var in orb.Point
		if crs.Geographic {
			in = orb.Point{*r.B, *r.A}
		} else {
			in = orb.Point{*r.A, *r.B}
		}
		pt, err := crs.ToGeographic(in)
		if err != nil {
			return nil, errors.WithMessagef(err, "row %d (order %v)", i+1, *r.Order)
		}
		ring = append(ring, pt)
	}
	ring = methods.CloseRing(ring)

	geom, err := methods.NormalizeGeometry(orb.Polygon{ring})
	if err != nil {
		return nil, err
	}
	return &PolygonResult{Ring: ring, Geometry: geom}, nil
}
