package models

import "strings"

// FillType 地类填充方式
type FillType string

const (
	FillSolid FillType = "solid"
	FillHatch FillType = "hatch"
	FillDots  FillType = "dots"
	FillImage FillType = "image"
)

// StyleDescriptor 地类样式描述，按 FillType 取用对应参数
type StyleDescriptor struct {
	FillType  FillType `json:"fillType"`
	Fg        string   `json:"fg,omitempty"`
	Bg        string   `json:"bg,omitempty"`
	AngleDeg  float64  `json:"angleDeg,omitempty"`
	WidthPx   float64  `json:"widthPx,omitempty"`
	SpacingPx float64  `json:"spacingPx,omitempty"`
	SizePx    float64  `json:"sizePx,omitempty"`
	URL       string   `json:"url,omitempty"`
	Badge     string   `json:"badge,omitempty"`
}

// IsPattern 无描述或 solid 时使用纯色
func (s *StyleDescriptor) IsPattern() bool {
	if s == nil {
		return false
	}
	switch FillType(strings.ToLower(string(s.FillType))) {
	case FillHatch, FillDots, FillImage:
		return true
	}
	return false
}

// LandUse 地类字典项
type LandUse struct {
	ID    int64            `json:"id"`
	Name  string           `json:"name"`
	Color string           `json:"color,omitempty"`
	Style *StyleDescriptor `json:"styleDescriptor,omitempty"`
}

// Badge 角标文字，可能来自样式描述
func (l LandUse) Badge() string {
	if l.Style == nil {
		return ""
	}
	return l.Style.Badge
}
