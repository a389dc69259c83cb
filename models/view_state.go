package models

import "github.com/paulmach/orb"

// ToolMode 地图工具模式
type ToolMode string

const (
	ToolSelect       ToolMode = "select"
	ToolDrawPoint    ToolMode = "draw_point"
	ToolDrawLine     ToolMode = "draw_line"
	ToolDrawPolygon  ToolMode = "draw_polygon"
	ToolDirectSelect ToolMode = "direct_select"
)

func (m ToolMode) Valid() bool {
	switch m {
	case ToolSelect, ToolDrawPoint, ToolDrawLine, ToolDrawPolygon, ToolDirectSelect:
		return true
	}
	return false
}

// ColorMode 按地类或按审批状态着色
type ColorMode string

const (
	ColorByType   ColorMode = "type"
	ColorByStatus ColorMode = "status"
)

func (m ColorMode) Valid() bool {
	return m == ColorByType || m == ColorByStatus
}

// Viewport 当前视口，Bound 为经纬度范围
type Viewport struct {
	Bound orb.Bound `json:"bound"`
	Zoom  int       `json:"zoom"`
}

// ViewState 界面瞬时状态，不持久化
type ViewState struct {
	ToolMode   ToolMode  `json:"toolMode"`
	ActiveKey  string    `json:"activeKey,omitempty"`
	ColorMode  ColorMode `json:"colorMode"`
	Viewport   Viewport  `json:"viewport"`
	LocalityID int64     `json:"localityId"`
}
