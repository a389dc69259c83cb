package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ZoneStatus 图斑审批状态
type ZoneStatus string

const (
	StatusDraft    ZoneStatus = "Draft"
	StatusInReview ZoneStatus = "In Review"
	StatusApproved ZoneStatus = "Approved"
	StatusRejected ZoneStatus = "Rejected"
)

var AllStatuses = []ZoneStatus{StatusDraft, StatusInReview, StatusApproved, StatusRejected}

// ParseStatus 兼容大小写、下划线等写法
func ParseStatus(s string) (ZoneStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	switch norm {
	case "", "draft":
		return StatusDraft, nil
	case "in review", "inreview", "review":
		return StatusInReview, nil
	case "approved":
		return StatusApproved, nil
	case "rejected":
		return StatusRejected, nil
	}
	return "", fmt.Errorf("unknown zone status %q", s)
}

// ZoneFeature 图斑要素。ID 为空表示尚未保存到服务端
type ZoneFeature struct {
	ID         *int64       `json:"id,omitempty"`
	LocalID    string       `json:"localId,omitempty"`
	LandUseID  int64        `json:"landUseId" validate:"required"`
	LocalityID int64        `json:"localityId" validate:"required"`
	Status     ZoneStatus   `json:"status"`
	Color      string       `json:"color,omitempty"`
	Geometry   orb.Geometry `json:"-"`
}

// Key 本地要素用临时ID，已保存要素用服务端ID
func (z ZoneFeature) Key() string {
	if z.LocalID != "" {
		return z.LocalID
	}
	if z.ID != nil {
		return strconv.FormatInt(*z.ID, 10)
	}
	return ""
}

func (z ZoneFeature) Saved() bool {
	return z.ID != nil
}

// Clone 深拷贝，几何对象通过 orb.Clone 复制
func (z ZoneFeature) Clone() ZoneFeature {
	c := z
	if z.ID != nil {
		id := *z.ID
		c.ID = &id
	}
	if z.Geometry != nil {
		c.Geometry = orb.Clone(z.Geometry)
	}
	return c
}

func Int64Ptr(v int64) *int64 {
	return &v
}

// ToFeature 转换为GeoJSON要素
func (z ZoneFeature) ToFeature() *geojson.Feature {
	f := geojson.NewFeature(z.Geometry)
	if z.ID != nil {
		f.ID = *z.ID
		f.Properties["id"] = *z.ID
	}
	if z.LocalID != "" {
		f.Properties["localId"] = z.LocalID
	}
	f.Properties["landUseId"] = z.LandUseID
	f.Properties["localityId"] = z.LocalityID
	f.Properties["status"] = string(z.Status)
	if z.Color != "" {
		f.Properties["color"] = z.Color
	}
	return f
}

// FeatureFromGeoJSON 从GeoJSON要素解析图斑，属性名兼容下划线写法
func FeatureFromGeoJSON(f *geojson.Feature) (ZoneFeature, error) {
	if f == nil {
		return ZoneFeature{}, fmt.Errorf("nil feature")
	}
	z := ZoneFeature{Geometry: f.Geometry, Status: StatusDraft}
	props := f.Properties

	if id, ok := propInt(props, "id"); ok {
		z.ID = Int64Ptr(id)
	} else if id, ok := anyInt(f.ID); ok {
		z.ID = Int64Ptr(id)
	}
	z.LocalID = props.MustString("localId", props.MustString("local_id", ""))
	if v, ok := propInt(props, "landUseId", "landuse_id", "land_use_id"); ok {
		z.LandUseID = v
	}
	if v, ok := propInt(props, "localityId", "locality_id"); ok {
		z.LocalityID = v
	}
	if s, ok := props["status"].(string); ok {
		st, err := ParseStatus(s)
		if err != nil {
			return ZoneFeature{}, err
		}
		z.Status = st
	}
	z.Color = props.MustString("color", "")
	return z, nil
}

func propInt(props geojson.Properties, names ...string) (int64, bool) {
	for _, n := range names {
		if v, ok := props[n]; ok {
			if i, ok := anyInt(v); ok {
				return i, true
			}
		}
	}
	return 0, false
}

func anyInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint64:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// ZoneFeature 的JSON形式就是GeoJSON Feature
func (z ZoneFeature) MarshalJSON() ([]byte, error) {
	return json.Marshal(z.ToFeature())
}

func (z *ZoneFeature) UnmarshalJSON(data []byte) error {
	f, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return err
	}
	parsed, err := FeatureFromGeoJSON(f)
	if err != nil {
		return err
	}
	*z = parsed
	return nil
}
