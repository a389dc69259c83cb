package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/GrainArc/ZoneMap/ImgHandler"
	"github.com/GrainArc/ZoneMap/methods"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/paulmach/orb/geo"
)

// LegendEntry 图例中的一个地类
type LegendEntry struct {
	LandUseID  int64   `json:"landUseId"`
	Name       string  `json:"name"`
	Count      int     `json:"count"`
	AreaM2     float64 `json:"areaM2"`
	Color      string  `json:"color"`
	PatternKey string  `json:"patternKey,omitempty"`
	Badge      string  `json:"badge,omitempty"`
}

// Legend 统计结果
type Legend struct {
	Total           int                       `json:"total"`
	CountsByLandUse map[int64]int             `json:"countsByLandUse"`
	CountsByStatus  map[models.ZoneStatus]int `json:"countsByStatus"`
	AreaByLandUse   map[int64]float64         `json:"areaByLandUse"`
	Items           []LegendEntry             `json:"items"`
}

func newLegend() Legend {
	return Legend{
		CountsByLandUse: map[int64]int{},
		CountsByStatus:  map[models.ZoneStatus]int{},
		AreaByLandUse:   map[int64]float64{},
	}
}

func (l *Legend) add(z models.ZoneFeature, area float64) {
	l.Total++
	l.CountsByLandUse[z.LandUseID]++
	l.CountsByStatus[z.Status]++
	l.AreaByLandUse[z.LandUseID] += area
}

// LegendAggregator 由已加载瓦片和本地条目计算图例
type LegendAggregator struct {
	styles *StyleCompiler

	mu      sync.RWMutex
	current Legend
}

func NewLegendAggregator(styles *StyleCompiler) *LegendAggregator {
	return &LegendAggregator{styles: styles, current: newLegend()}
}

// Recompute 先剔除本地已有的瓦片要素（跨瓦片的同一图斑只计一次，面积按片累加），
// 再按当前属性为每个本地条目计一次，删除中的条目也计入
func (a *LegendAggregator) Recompute(tiles []models.ZoneFeature, entries []models.DrawEntry, overrides map[int64]models.ZoneStatus) Legend {
	keys, ids := localIdentity(entries)
	l := newLegend()

	type tally struct {
		zone models.ZoneFeature
		area float64
	}
	seen := make(map[int64]*tally)
	var order []int64
	for _, z := range tiles {
		if z.ID == nil || shadowed(z, keys, ids) {
			continue
		}
		t, ok := seen[*z.ID]
		if !ok {
			t = &tally{zone: z}
			seen[*z.ID] = t
			order = append(order, *z.ID)
		}
		t.area += area(z)
	}
	for _, id := range order {
		t := seen[id]
		l.add(withOverride(RenderFeature{Zone: t.zone}, overrides).Zone, t.area)
	}

	for _, e := range entries {
		l.add(withOverride(RenderFeature{Zone: e.Feature}, overrides).Zone, area(e.Feature))
	}

	l.Items = a.items(l)
	a.mu.Lock()
	a.current = l
	a.mu.Unlock()
	return l
}

func area(z models.ZoneFeature) float64 {
	if z.Geometry == nil {
		return 0
	}
	return geo.Area(z.Geometry)
}

// items 按地类名称排序，中文按拼音
func (a *LegendAggregator) items(l Legend) []LegendEntry {
	var styles CompiledStyles
	if a.styles != nil {
		styles = a.styles.Styles()
	}
	items := make([]LegendEntry, 0, len(l.CountsByLandUse))
	for id, n := range l.CountsByLandUse {
		name := fmt.Sprintf("#%d", id)
		if a.styles != nil {
			if lu, ok := a.styles.LandUse(id); ok && lu.Name != "" {
				name = lu.Name
			}
		}
		items = append(items, LegendEntry{
			LandUseID:  id,
			Name:       name,
			Count:      n,
			AreaM2:     l.AreaByLandUse[id],
			Color:      landUseColor(styles, id),
			PatternKey: styles.PatternKeyByLandUse[id],
			Badge:      styles.BadgeByLandUse[id],
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Name == items[j].Name {
			return items[i].LandUseID < items[j].LandUseID
		}
		return methods.LessByName(items[i].Name, items[j].Name)
	})
	return items
}

// Current 最近一次统计
func (a *LegendAggregator) Current() Legend {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// ImageItems 转为图例图片的输入
func (a *LegendAggregator) ImageItems() []ImgHandler.LegendItem {
	l := a.Current()
	out := make([]ImgHandler.LegendItem, 0, len(l.Items))
	for _, it := range l.Items {
		li := ImgHandler.LegendItem{
			Label:  it.Name,
			Count:  it.Count,
			AreaM2: it.AreaM2,
			Color:  it.Color,
			Badge:  it.Badge,
		}
		if it.PatternKey != "" && a.styles != nil {
			li.Pattern, _ = a.styles.Pattern(it.PatternKey)
		}
		out = append(out, li)
	}
	return out
}
