package models

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ResolveAction 冲突处理方式
type ResolveAction string

const (
	ActionTrim   ResolveAction = "trim"
	ActionSplit  ResolveAction = "split"
	ActionIgnore ResolveAction = "ignore"
)

func (a ResolveAction) Valid() bool {
	return a == ActionTrim || a == ActionSplit || a == ActionIgnore
}

// ConflictRecord 选中图斑的重叠信息，取消选择或处理后清空
type ConflictRecord struct {
	ZoneID             int64        `json:"zoneId"`
	OverlappingZoneIDs []int64      `json:"overlappingZoneIds"`
	OverlapGeometry    orb.Geometry `json:"-"`
}

func (c ConflictRecord) HasConflicts() bool {
	return len(c.OverlappingZoneIDs) > 0
}

func (c ConflictRecord) MarshalJSON() ([]byte, error) {
	type alias ConflictRecord
	out := struct {
		alias
		OverlapGeometry *geojson.Geometry `json:"overlapGeometry,omitempty"`
	}{alias: alias(c)}
	if c.OverlapGeometry != nil {
		out.OverlapGeometry = geojson.NewGeometry(c.OverlapGeometry)
	}
	return json.Marshal(out)
}
