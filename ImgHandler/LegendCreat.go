package ImgHandler

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
)

// LegendItem 图例项
type LegendItem struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	AreaM2  float64 `json:"areaM2"`
	Color   string  `json:"color"`
	Pattern []byte  `json:"-"` // PNG，非空时优先于颜色
	Badge   string  `json:"badge,omitempty"`
}

const (
	legendFontSize = 14
	itemHeight     = 40
	symbolWidth    = 50
	symbolHeight   = 25
	textOffsetX    = 65
	legendPadding  = 15
	minItemWidth   = 150
	maxColumns     = 6
)

func itemText(item LegendItem) string {
	if item.AreaM2 > 0 {
		return fmt.Sprintf("%s  %d  %.2f ha", item.Label, item.Count, item.AreaM2/10000)
	}
	return fmt.Sprintf("%s  %d", item.Label, item.Count)
}

// CreateLegend 绘制图例 PNG：符号 + 名称 + 数量/面积
func (p *PatternMaker) CreateLegend(items []LegendItem) ([]byte, error) {
	face, err := p.face(legendFontSize)
	if err != nil {
		return nil, err
	}
	defer face.Close()

	// 先量文字宽度，统一列宽
	measure := gg.NewContext(1, 1)
	measure.SetFontFace(face)
	itemWidth := minItemWidth
	for _, item := range items {
		tw, _ := measure.MeasureString(itemText(item))
		if w := textOffsetX + int(math.Ceil(tw)) + 20; w > itemWidth {
			itemWidth = w
		}
	}

	numCols := calculateOptimalColumns(len(items), itemWidth, itemHeight)
	numRows := (len(items) + numCols - 1) / numCols
	if numRows == 0 {
		numRows = 1
	}
	width := numCols*itemWidth + legendPadding*2
	height := numRows*itemHeight + legendPadding*2

	dc := gg.NewContext(width, height)
	dc.SetColor(color.White)
	dc.Clear()
	dc.SetFontFace(face)

	for i, item := range items {
		x := float64(legendPadding + (i%numCols)*itemWidth)
		y := float64(legendPadding + (i/numCols)*itemHeight)
		sy := y + float64(itemHeight-symbolHeight)/2
		p.drawSymbol(dc, x, sy, item)

		dc.SetColor(color.Black)
		dc.DrawStringAnchored(itemText(item), x+textOffsetX, y+itemHeight/2, 0, 0.35)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return nil, errors.Wrap(err, "encode legend")
	}
	return buf.Bytes(), nil
}

// drawSymbol 面符号：图案或纯色填充，带边框和角标
func (p *PatternMaker) drawSymbol(dc *gg.Context, x, y float64, item LegendItem) {
	dc.DrawRectangle(x, y, symbolWidth, symbolHeight)
	filled := false
	if len(item.Pattern) > 0 {
		if img, err := DecodePNG(item.Pattern); err == nil {
			dc.SetFillStyle(gg.NewSurfacePattern(img, gg.RepeatBoth))
			filled = true
		}
	}
	if !filled {
		dc.SetColor(colorOr(item.Color, color.RGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff}))
	}
	dc.FillPreserve()
	dc.SetColor(color.RGBA{R: 80, G: 80, B: 80, A: 255})
	dc.SetLineWidth(1)
	dc.Stroke()

	if item.Badge == "" {
		return
	}
	badge, err := p.BadgeImage(item.Badge, "", symbolHeight-7)
	if err != nil {
		return
	}
	if img, err := DecodePNG(badge); err == nil {
		dc.DrawImage(img, int(x)+symbolWidth-img.Bounds().Dx()-3, int(y)+3)
	}
}

func calculateOptimalColumns(numItems, itemWidth, itemHeight int) int {
	if numItems == 0 {
		return 1
	}
	optimalCols := int(math.Sqrt(float64(numItems) * float64(itemHeight) / float64(itemWidth)))
	if optimalCols < 1 {
		optimalCols = 1
	}
	if optimalCols > maxColumns {
		optimalCols = maxColumns
	}
	if optimalCols > numItems {
		optimalCols = numItems
	}
	return optimalCols
}

func DecodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode png")
	}
	return img, nil
}
