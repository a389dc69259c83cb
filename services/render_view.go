package services

import (
	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb/geojson"
)

// RenderFeature 渲染用要素。State 为空表示来自服务端瓦片
type RenderFeature struct {
	Zone          models.ZoneFeature    `json:"zone"`
	State         models.LifecycleState `json:"state,omitempty"`
	PendingStatus bool                  `json:"pendingStatus,omitempty"`
	Paint         Paint                 `json:"paint"`
}

// localIdentity 本地条目的 key 和服务端ID，瓦片要素命中任一即被本地版本替代
func localIdentity(entries []models.DrawEntry) (map[string]bool, map[int64]bool) {
	keys := make(map[string]bool, len(entries))
	ids := make(map[int64]bool, len(entries))
	for _, e := range entries {
		keys[e.Key] = true
		if e.Feature.ID != nil {
			ids[*e.Feature.ID] = true
		}
		if e.Original != nil && e.Original.ID != nil {
			ids[*e.Original.ID] = true
		}
	}
	return keys, ids
}

func shadowed(z models.ZoneFeature, keys map[string]bool, ids map[int64]bool) bool {
	if z.ID != nil && ids[*z.ID] {
		return true
	}
	return keys[z.Key()]
}

// MergeRenderFeatures 瓦片要素去掉有本地条目的，再加上 Added/Edited 条目的当前几何；
// 状态覆盖只作用于渲染属性
func MergeRenderFeatures(tiles []models.ZoneFeature, entries []models.DrawEntry, overrides map[int64]models.ZoneStatus) []RenderFeature {
	keys, ids := localIdentity(entries)
	out := make([]RenderFeature, 0, len(tiles)+len(entries))
	for _, z := range tiles {
		if shadowed(z, keys, ids) {
			continue
		}
		out = append(out, withOverride(RenderFeature{Zone: z.Clone()}, overrides))
	}
	for _, e := range entries {
		if !e.Live() {
			continue
		}
		out = append(out, withOverride(RenderFeature{Zone: e.Feature.Clone(), State: e.State}, overrides))
	}
	return out
}

func withOverride(rf RenderFeature, overrides map[int64]models.ZoneStatus) RenderFeature {
	if rf.Zone.ID == nil {
		return rf
	}
	if st, ok := overrides[*rf.Zone.ID]; ok {
		rf.Zone.Status = st
		rf.PendingStatus = true
	}
	return rf
}

// RenderCollection 渲染结果转 GeoJSON，附带样式属性
func RenderCollection(features []RenderFeature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, rf := range features {
		f := rf.Zone.ToFeature()
		if rf.State != "" {
			f.Properties["state"] = string(rf.State)
		}
		if rf.PendingStatus {
			f.Properties["pendingStatus"] = true
		}
		f.Properties["fill"] = rf.Paint.Color
		if rf.Paint.PatternKey != "" {
			f.Properties["pattern"] = rf.Paint.PatternKey
		}
		if rf.Paint.Badge != "" {
			f.Properties["badge"] = rf.Paint.Badge
		}
		fc.Append(f)
	}
	return fc
}
