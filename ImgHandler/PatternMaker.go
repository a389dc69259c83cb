package ImgHandler

import (
	"bytes"
	"context"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/GrainArc/ZoneMap/methods"
	"github.com/GrainArc/ZoneMap/models"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	_ "golang.org/x/image/webp"
)

const (
	defaultTileSize = 32
	maxImageBytes   = 8 << 20
)

// PatternMaker 地类填充图案栅格化
type PatternMaker struct {
	Client   *http.Client
	FontPath string // 为空时使用内置 Go 字体

	fontOnce sync.Once
	font     *truetype.Font
	fontErr  error
}

func NewPatternMaker(fontPath string, timeout time.Duration) *PatternMaker {
	return &PatternMaker{
		Client:   &http.Client{Timeout: timeout},
		FontPath: fontPath,
	}
}

// Font 加载字体，仅解析一次
func (p *PatternMaker) Font() (*truetype.Font, error) {
	p.fontOnce.Do(func() {
		data := goregular.TTF
		if p.FontPath != "" {
			b, err := os.ReadFile(p.FontPath)
			if err != nil {
				p.fontErr = errors.Wrapf(err, "read font %s", p.FontPath)
				return
			}
			data = b
		}
		p.font, p.fontErr = truetype.Parse(data)
	})
	return p.font, p.fontErr
}

func (p *PatternMaker) face(size float64) (font.Face, error) {
	f, err := p.Font()
	if err != nil {
		return nil, err
	}
	return truetype.NewFace(f, &truetype.Options{Size: size, DPI: 72}), nil
}

// Rasterize 按描述生成 PNG 图案
func (p *PatternMaker) Rasterize(ctx context.Context, desc models.StyleDescriptor) ([]byte, error) {
	var img image.Image
	var err error
	switch models.FillType(strings.ToLower(string(desc.FillType))) {
	case models.FillHatch:
		img, err = hatchImage(desc)
	case models.FillDots:
		img, err = dotsImage(desc)
	case models.FillImage:
		img, err = p.imagePattern(ctx, desc)
	default:
		return nil, errors.Errorf("fill type %q is not a pattern", desc.FillType)
	}
	if err != nil {
		return nil, err
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	return buf.Bytes(), nil
}

// colorOr 解析失败时使用默认色
func colorOr(s string, def color.Color) color.Color {
	if s == "" {
		return def
	}
	c, err := methods.ParseColor(s)
	if err != nil {
		return def
	}
	return c
}

func orDefault(v, def float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return def
	}
	return v
}

// hatchImage 斜线图案。图块边长取间距的整数倍，0/45/90 度可无缝拼接
func hatchImage(desc models.StyleDescriptor) (image.Image, error) {
	spacing := orDefault(desc.SpacingPx, 8)
	width := orDefault(desc.WidthPx, 1)
	size := int(math.Ceil(spacing)) * 4
	if size < defaultTileSize {
		size = int(math.Ceil(float64(defaultTileSize)/spacing) * spacing)
	}

	dc := gg.NewContext(size, size)
	dc.SetColor(colorOr(desc.Bg, color.Transparent))
	dc.Clear()

	s := float64(size)
	dc.Push()
	dc.RotateAbout(gg.Radians(desc.AngleDeg), s/2, s/2)
	dc.SetColor(colorOr(desc.Fg, color.Black))
	dc.SetLineWidth(width)
	// 旋转后需覆盖对角线长度
	for x := -s; x <= 2*s; x += spacing {
		dc.DrawLine(x, -s, x, 2*s)
	}
	dc.Stroke()
	dc.Pop()
	return dc.Image(), nil
}

// dotsImage 圆点图案，点位于单元中心
func dotsImage(desc models.StyleDescriptor) (image.Image, error) {
	dot := orDefault(desc.SizePx, 2)
	spacing := orDefault(desc.SpacingPx, 8)
	cell := int(math.Ceil(dot + spacing))
	dc := gg.NewContext(cell, cell)
	dc.SetColor(colorOr(desc.Bg, color.Transparent))
	dc.Clear()
	dc.SetColor(colorOr(desc.Fg, color.Black))
	dc.DrawCircle(float64(cell)/2, float64(cell)/2, dot/2)
	dc.Fill()
	return dc.Image(), nil
}

// imagePattern 下载图片并铺在背景色上，SizePx 指定时缩放
func (p *PatternMaker) imagePattern(ctx context.Context, desc models.StyleDescriptor) (image.Image, error) {
	if desc.URL == "" {
		return nil, errors.New("image pattern without url")
	}
	src, err := p.fetchImage(ctx, desc.URL)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if desc.SizePx > 0 {
		side := int(math.Round(desc.SizePx))
		w, h = side, side
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(colorOr(desc.Bg, color.Transparent)), image.Point{}, xdraw.Src)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst, nil
}

func (p *PatternMaker) fetchImage(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for %s", url)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(models.ErrNetworkFailure, "fetch pattern image: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(models.ErrNetworkFailure, "fetch pattern image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, errors.Wrapf(models.ErrNetworkFailure, "read pattern image: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(models.ErrUnrecognizedFormat, err.Error())
	}
	return img, nil
}

// BadgeImage 圆形角标，文字居中
func (p *PatternMaker) BadgeImage(text, fg string, size int) ([]byte, error) {
	if size <= 0 {
		size = 20
	}
	face, err := p.face(float64(size) * 0.6)
	if err != nil {
		return nil, err
	}
	defer face.Close()

	s := float64(size)
	dc := gg.NewContext(size, size)
	dc.SetColor(colorOr(fg, color.RGBA{R: 80, G: 80, B: 80, A: 255}))
	dc.DrawCircle(s/2, s/2, s/2-0.5)
	dc.Fill()
	dc.SetFontFace(face)
	dc.SetColor(color.White)
	dc.DrawStringAnchored(text, s/2, s/2, 0.5, 0.35)
	return encodePNG(dc.Image())
}
