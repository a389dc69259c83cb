package pgmvt

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Web 墨卡托可表示的纬度范围
const maxMercatorLat = 85.05112878

func clampLat(lat float64) float64 {
	return math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
}

func clampLon(lon float64) float64 {
	// 180 度落到下一列，收一点
	return math.Max(-180, math.Min(179.9999999, lon))
}

// TilesForBound 视口覆盖的瓦片，超过 limit 时返回 nil 和 false
func TilesForBound(b orb.Bound, z int, limit int) ([]maptile.Tile, bool) {
	zoom := maptile.Zoom(z)
	topLeft := maptile.At(orb.Point{clampLon(b.Min.X()), clampLat(b.Max.Y())}, zoom)
	bottomRight := maptile.At(orb.Point{clampLon(b.Max.X()), clampLat(b.Min.Y())}, zoom)

	count := int(bottomRight.X-topLeft.X+1) * int(bottomRight.Y-topLeft.Y+1)
	if limit > 0 && count > limit {
		return nil, false
	}
	tiles := make([]maptile.Tile, 0, count)
	for x := topLeft.X; x <= bottomRight.X; x++ {
		for y := topLeft.Y; y <= bottomRight.Y; y++ {
			tiles = append(tiles, maptile.New(x, y, zoom))
		}
	}
	return tiles, true
}
