package Transformer

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// 椭球参数
type ellipsoid struct {
	a float64 // 长半轴
	f float64 // 扁率
}

var (
	wgs84 = ellipsoid{a: 6378137.0, f: 1 / 298.257223563}
	grs80 = ellipsoid{a: 6378137.0, f: 1 / 298.257222101} // CGCS2000 与 GRS80 椭球差异可忽略
)

// CRS 解析后的坐标系
type CRS struct {
	Code       string
	Geographic bool
	ellps      ellipsoid
	lon0       float64 // 中央经线（度）
	k0         float64
	falseE     float64
	falseN     float64
}

var (
	epsgPattern = regexp.MustCompile(`(?i)^epsg:(\d{4,5})$`)
	utmPattern  = regexp.MustCompile(`(?i)^utm[\s:_-]*(\d{1,2})\s*([a-z])?$`)
	projPattern = regexp.MustCompile(`^\+proj=`)
)

// ParseCRS 先做语法校验，再判断是否为支持的坐标系
func ParseCRS(id string) (*CRS, error) {
	s := strings.TrimSpace(id)
	switch strings.ToUpper(s) {
	case "", "EPSG:4326", "EPSG:4490", "WGS84", "CGCS2000", "GEOGRAPHIC":
		return &CRS{Code: strings.ToUpper(s), Geographic: true}, nil
	}
	if m := epsgPattern.FindStringSubmatch(s); m != nil {
		code, _ := strconv.Atoi(m[1])
		return crsFromEPSG(code)
	}
	if m := utmPattern.FindStringSubmatch(s); m != nil {
		zone, _ := strconv.Atoi(m[1])
		south := false
		// 仅接受半球标记 N/S
		switch strings.ToUpper(m[2]) {
		case "", "N":
		case "S":
			south = true
		default:
			return nil, errors.Wrapf(models.ErrInvalidCrsIdentifier, "bad utm hemisphere in %q", id)
		}
		return utmCRS(zone, south, s)
	}
	if projPattern.MatchString(s) {
		return crsFromProj(s)
	}
	return nil, errors.Wrapf(models.ErrInvalidCrsIdentifier, "unrecognized crs %q", id)
}

func utmCRS(zone int, south bool, code string) (*CRS, error) {
	if zone < 1 || zone > 60 {
		return nil, errors.Wrapf(models.ErrInvalidCrsIdentifier, "utm zone %d out of range", zone)
	}
	c := &CRS{
		Code:   code,
		ellps:  wgs84,
		lon0:   float64(zone)*6 - 183,
		k0:     0.9996,
		falseE: 500000,
	}
	if south {
		c.falseN = 10000000
	}
	return c, nil
}

// gaussCRS CGCS2000 高斯-克吕格投影，withPrefix 表示横坐标带有带号
func gaussCRS(code string, lon0 float64, zone int, withPrefix bool) *CRS {
	c := &CRS{Code: code, ellps: grs80, lon0: lon0, k0: 1, falseE: 500000}
	if withPrefix {
		c.falseE = float64(zone)*1000000 + 500000
	}
	return c
}

func crsFromEPSG(code int) (*CRS, error) {
	name := "EPSG:" + strconv.Itoa(code)
	switch {
	case code >= 32601 && code <= 32660:
		return utmCRS(code-32600, false, name)
	case code >= 32701 && code <= 32760:
		return utmCRS(code-32700, true, name)
	case code >= 4491 && code <= 4501:
		// 6度带 13-23 带，带号前缀
		zone := code - 4491 + 13
		return gaussCRS(name, float64(zone*6-3), zone, true), nil
	case code >= 4502 && code <= 4512:
		zone := code - 4502 + 13
		return gaussCRS(name, float64(zone*6-3), zone, false), nil
	case code >= 4513 && code <= 4533:
		// 3度带 25-45 带，带号前缀
		zone := code - 4513 + 25
		return gaussCRS(name, float64(zone*3), zone, true), nil
	case code >= 4534 && code <= 4554:
		zone := code - 4534 + 25
		return gaussCRS(name, float64(zone*3), zone, false), nil
	}
	return nil, errors.Wrapf(models.ErrInvalidCrsIdentifier, "unsupported crs %s", name)
}

// crsFromProj 只接受 utm 形式的 proj 字符串
func crsFromProj(s string) (*CRS, error) {
	params := map[string]string{}
	for _, tok := range strings.Fields(s) {
		if !strings.HasPrefix(tok, "+") {
			return nil, errors.Wrapf(models.ErrInvalidCrsIdentifier, "bad proj token %q", tok)
		}
		kv := strings.SplitN(tok[1:], "=", 2)
		if len(kv) == 2 {
			params[kv[0]] = kv[1]
		} else {
			params[kv[0]] = ""
		}
	}
	if params["proj"] != "utm" {
		return nil, errors.Wrapf(models.ErrInvalidCrsIdentifier, "unsupported projection %q", params["proj"])
	}
	zone, err := strconv.Atoi(params["zone"])
	if err != nil {
		return nil, errors.Wrapf(models.ErrInvalidCrsIdentifier, "bad utm zone in %q", s)
	}
	_, south := params["south"]
	return utmCRS(zone, south, s)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ValidateGeographic 经纬度范围校验
func ValidateGeographic(lon, lat float64) error {
	if !finite(lon) || !finite(lat) {
		return errors.Wrap(models.ErrInvalidCoordinate, "non-finite coordinate")
	}
	if lat < -90 || lat > 90 {
		return errors.Wrapf(models.ErrInvalidCoordinate, "latitude %v out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return errors.Wrapf(models.ErrInvalidCoordinate, "longitude %v out of range", lon)
	}
	return nil
}

// ToGeographic 将坐标转换为 [经度, 纬度]。
// 地理坐标输入为 [lon, lat]；投影坐标输入为 [easting, northing]
func ToGeographic(point orb.Point, sourceCrs string) (orb.Point, error) {
	crs, err := ParseCRS(sourceCrs)
	if err != nil {
		return orb.Point{}, err
	}
	return crs.ToGeographic(point)
}

func (c *CRS) ToGeographic(point orb.Point) (orb.Point, error) {
	if c.Geographic {
		if err := ValidateGeographic(point[0], point[1]); err != nil {
			return orb.Point{}, err
		}
		return point, nil
	}
	if !finite(point[0]) || !finite(point[1]) {
		return orb.Point{}, errors.Wrap(models.ErrInvalidCoordinate, "non-finite projected coordinate")
	}
	lon, lat := c.inverse(point[0], point[1])
	if err := ValidateGeographic(lon, lat); err != nil {
		return orb.Point{}, err
	}
	return orb.Point{lon, lat}, nil
}

// ToProjected 经纬度转投影坐标
func (c *CRS) ToProjected(point orb.Point) (orb.Point, error) {
	if err := ValidateGeographic(point[0], point[1]); err != nil {
		return orb.Point{}, err
	}
	if c.Geographic {
		return point, nil
	}
	e, n := c.forward(point[0], point[1])
	return orb.Point{e, n}, nil
}

// 横轴墨卡托 Krüger n 级数展开（三阶），带内误差为毫米级
type tmSeries struct {
	n     float64
	A     float64
	alpha [3]float64
	beta  [3]float64
	delta [3]float64
}

func newSeries(e ellipsoid) tmSeries {
	n := e.f / (2 - e.f)
	n2, n3 := n*n, n*n*n
	return tmSeries{
		n: n,
		A: e.a / (1 + n) * (1 + n2/4 + n2*n2/64),
		alpha: [3]float64{
			n/2 - 2*n2/3 + 5*n3/16,
			13*n2/48 - 3*n3/5,
			61 * n3 / 240,
		},
		beta: [3]float64{
			n/2 - 2*n2/3 + 37*n3/96,
			n2/48 + n3/15,
			17 * n3 / 480,
		},
		delta: [3]float64{
			2*n - 2*n2/3 - 2*n3,
			7*n2/3 - 8*n3/5,
			56 * n3 / 15,
		},
	}
}

func (c *CRS) forward(lon, lat float64) (float64, float64) {
	s := newSeries(c.ellps)
	phi := lat * math.Pi / 180
	dl := (lon - c.lon0) * math.Pi / 180
	k := 2 * math.Sqrt(s.n) / (1 + s.n)
	t := math.Sinh(math.Atanh(math.Sin(phi)) - k*math.Atanh(k*math.Sin(phi)))
	xiP := math.Atan2(t, math.Cos(dl))
	etaP := math.Atanh(math.Sin(dl) / math.Sqrt(1+t*t))

	xi, eta := xiP, etaP
	for j := 1; j <= 3; j++ {
		a := s.alpha[j-1]
		xi += a * math.Sin(2*float64(j)*xiP) * math.Cosh(2*float64(j)*etaP)
		eta += a * math.Cos(2*float64(j)*xiP) * math.Sinh(2*float64(j)*etaP)
	}
	return c.falseE + c.k0*s.A*eta, c.falseN + c.k0*s.A*xi
}

func (c *CRS) inverse(easting, northing float64) (float64, float64) {
	s := newSeries(c.ellps)
	xi := (northing - c.falseN) / (c.k0 * s.A)
	eta := (easting - c.falseE) / (c.k0 * s.A)

	xiP, etaP := xi, eta
	for j := 1; j <= 3; j++ {
		b := s.beta[j-1]
		xiP -= b * math.Sin(2*float64(j)*xi) * math.Cosh(2*float64(j)*eta)
		etaP -= b * math.Cos(2*float64(j)*xi) * math.Sinh(2*float64(j)*eta)
	}
	chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
	phi := chi
	for j := 1; j <= 3; j++ {
		phi += s.delta[j-1] * math.Sin(2*float64(j)*chi)
	}
	lon := c.lon0 + math.Atan2(math.Sinh(etaP), math.Cos(xiP))*180/math.Pi
	return lon, phi * 180 / math.Pi
}
