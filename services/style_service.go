package services

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/GrainArc/ZoneMap/methods"
	"github.com/GrainArc/ZoneMap/metrics"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/rs/zerolog"
)

// 状态着色
const (
	ColorApproved = "#2e7d32"
	ColorRejected = "#c62828"
	ColorInReview = "#f9a825"
	ColorFallback = "#9e9e9e"
)

// PatternRasterizer 图案栅格化，返回 PNG
type PatternRasterizer interface {
	Rasterize(ctx context.Context, desc models.StyleDescriptor) ([]byte, error)
}

// CompiledStyles 一次编译的结果
type CompiledStyles struct {
	ColorByLandUse      map[int64]string  `json:"colorByLandUse"`
	PatternKeyByLandUse map[int64]string  `json:"patternKeyByLandUse"`
	BadgeByLandUse      map[int64]string  `json:"badgeByLandUse"`
	Patterns            map[string][]byte `json:"-"`
}

// Paint 单个要素的绘制方式，PatternKey 非空时优先
type Paint struct {
	Color      string `json:"color"`
	PatternKey string `json:"patternKey,omitempty"`
	Badge      string `json:"badge,omitempty"`
}

// StyleCompiler 地类样式编译，图案按签名缓存，跨编译复用
type StyleCompiler struct {
	raster  PatternRasterizer
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	memo     map[string][]byte
	current  CompiledStyles
	landUses map[int64]models.LandUse
}

func NewStyleCompiler(raster PatternRasterizer, log zerolog.Logger, m *metrics.Metrics) *StyleCompiler {
	return &StyleCompiler{
		raster:   raster,
		log:      log.With().Str("component", "styles").Logger(),
		metrics:  m,
		memo:     make(map[string][]byte),
		current:  emptyStyles(),
		landUses: make(map[int64]models.LandUse),
	}
}

func emptyStyles() CompiledStyles {
	return CompiledStyles{
		ColorByLandUse:      map[int64]string{},
		PatternKeyByLandUse: map[int64]string{},
		BadgeByLandUse:      map[int64]string{},
		Patterns:            map[string][]byte{},
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// PatternSignature 图案签名，solid 或无描述时为空
func PatternSignature(desc *models.StyleDescriptor) string {
	if !desc.IsPattern() {
		return ""
	}
	fg := methods.NormalizeColor(desc.Fg)
	bg := methods.NormalizeColor(desc.Bg)
	switch models.FillType(strings.ToLower(string(desc.FillType))) {
	case models.FillHatch:
		return strings.Join([]string{"hatch", fg, bg, num(desc.AngleDeg), num(desc.WidthPx), num(desc.SpacingPx)}, ":")
	case models.FillDots:
		return strings.Join([]string{"dots", fg, bg, num(desc.SizePx), num(desc.SpacingPx)}, ":")
	case models.FillImage:
		return strings.Join([]string{"image", desc.URL, bg}, ":")
	}
	return ""
}

// baseColor 地类颜色，缺省时取图案前景色
func baseColor(lu models.LandUse) string {
	if c := methods.NormalizeColor(lu.Color); c != "" {
		return c
	}
	if lu.Style != nil && lu.Style.Fg != "" {
		return methods.NormalizeColor(lu.Style.Fg)
	}
	return ColorFallback
}

// Compile 为每个地类确定纯色或图案，已缓存的签名不再栅格化。
// 栅格化期间不持锁；失败的图案退回纯色
func (c *StyleCompiler) Compile(ctx context.Context, landUses []models.LandUse) CompiledStyles {
	out := emptyStyles()
	sigs := make(map[int64]string)
	descs := make(map[string]models.StyleDescriptor)

	c.mu.RLock()
	for _, lu := range landUses {
		out.ColorByLandUse[lu.ID] = baseColor(lu)
		if b := lu.Badge(); b != "" {
			out.BadgeByLandUse[lu.ID] = b
		}
		sig := PatternSignature(lu.Style)
		if sig == "" {
			continue
		}
		sigs[lu.ID] = sig
		if _, ok := c.memo[sig]; !ok {
			descs[sig] = *lu.Style
		}
	}
	c.mu.RUnlock()

	rendered := make(map[string][]byte, len(descs))
	for sig, desc := range descs {
		png, err := c.raster.Rasterize(ctx, desc)
		if err != nil {
			c.log.Warn().Err(err).Str("pattern", sig).Msg("pattern rasterization failed, using flat color")
			continue
		}
		c.metrics.IncPatternRasterized()
		rendered[sig] = png
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for sig, png := range rendered {
		if _, ok := c.memo[sig]; !ok {
			c.memo[sig] = png
		}
	}
	for id, sig := range sigs {
		png, ok := c.memo[sig]
		if !ok {
			continue
		}
		out.PatternKeyByLandUse[id] = sig
		out.Patterns[sig] = png
	}
	c.landUses = make(map[int64]models.LandUse, len(landUses))
	for _, lu := range landUses {
		c.landUses[lu.ID] = lu
	}
	c.current = out
	return out
}

// Styles 最近一次编译结果
func (c *StyleCompiler) Styles() CompiledStyles {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *StyleCompiler) LandUse(id int64) (models.LandUse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lu, ok := c.landUses[id]
	return lu, ok
}

func (c *StyleCompiler) LandUses() []models.LandUse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.LandUse, 0, len(c.landUses))
	for _, lu := range c.landUses {
		out = append(out, lu)
	}
	return out
}

// Pattern 按签名取 PNG
func (c *StyleCompiler) Pattern(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	png, ok := c.memo[key]
	return png, ok
}

// Paint 计算单个要素的绘制方式。
// status 模式按审批状态着色且不使用图案；type 模式依次取图案、要素颜色、地类颜色
func (c *StyleCompiler) Paint(f models.ZoneFeature, mode models.ColorMode) Paint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return paintWith(c.current, f, mode)
}

func paintWith(s CompiledStyles, f models.ZoneFeature, mode models.ColorMode) Paint {
	p := Paint{Badge: s.BadgeByLandUse[f.LandUseID]}
	if mode == models.ColorByStatus {
		switch f.Status {
		case models.StatusApproved:
			p.Color = ColorApproved
		case models.StatusRejected:
			p.Color = ColorRejected
		case models.StatusInReview:
			p.Color = ColorInReview
		default:
			p.Color = landUseColor(s, f.LandUseID)
		}
		return p
	}
	if key, ok := s.PatternKeyByLandUse[f.LandUseID]; ok {
		p.PatternKey = key
		p.Color = landUseColor(s, f.LandUseID)
		return p
	}
	if f.Color != "" {
		p.Color = f.Color
		return p
	}
	p.Color = landUseColor(s, f.LandUseID)
	return p
}

func landUseColor(s CompiledStyles, id int64) string {
	if c, ok := s.ColorByLandUse[id]; ok && c != "" {
		return c
	}
	return ColorFallback
}
