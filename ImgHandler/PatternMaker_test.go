package ImgHandler

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GrainArc/ZoneMap/models"
	"github.com/pkg/errors"
)

func rasterize(t *testing.T, p *PatternMaker, desc models.StyleDescriptor) image.Image {
	t.Helper()
	data, err := p.Rasterize(context.Background(), desc)
	if err != nil {
		t.Fatal(err)
	}
	img, err := DecodePNG(data)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

// hasColor 判断图中是否存在接近 want 的像素
func hasColor(img image.Image, want color.RGBA) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if near(r>>8, want.R) && near(g>>8, want.G) && near(bl>>8, want.B) {
				return true
			}
		}
	}
	return false
}

func near(v uint32, w uint8) bool {
	d := int(v) - int(w)
	return d > -24 && d < 24
}

func TestHatchPattern(t *testing.T) {
	p := NewPatternMaker("", time.Second)
	img := rasterize(t, p, models.StyleDescriptor{
		FillType: "Hatch", Fg: "#ff0000", Bg: "#ffffff", AngleDeg: 45, WidthPx: 2, SpacingPx: 8,
	})
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 32 {
		t.Fatalf("tile size %v", img.Bounds())
	}
	if !hasColor(img, color.RGBA{255, 0, 0, 255}) || !hasColor(img, color.RGBA{255, 255, 255, 255}) {
		t.Fatal("hatch should contain both line and background colors")
	}
}

func TestDotsPattern(t *testing.T) {
	p := NewPatternMaker("", time.Second)
	img := rasterize(t, p, models.StyleDescriptor{FillType: models.FillDots, Fg: "#0000ff", Bg: "#ffffff", SizePx: 4, SpacingPx: 8})
	if img.Bounds().Dx() != 12 {
		t.Fatalf("cell size %v", img.Bounds())
	}
	if !hasColor(img, color.RGBA{0, 0, 255, 255}) {
		t.Fatal("dot color missing")
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	if r>>8 != 255 || g>>8 != 255 || b>>8 != 255 {
		t.Fatal("corner should be background")
	}
}

func TestImagePattern(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/brick.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	p := NewPatternMaker("", time.Second)
	img := rasterize(t, p, models.StyleDescriptor{FillType: models.FillImage, URL: srv.URL + "/brick.png", SizePx: 16})
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
		t.Fatalf("scaled size %v", img.Bounds())
	}

	_, err := p.Rasterize(context.Background(), models.StyleDescriptor{FillType: models.FillImage, URL: srv.URL + "/missing.png"})
	if !errors.Is(err, models.ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
}

func TestRasterizeRejectsNonPattern(t *testing.T) {
	p := NewPatternMaker("", time.Second)
	for _, desc := range []models.StyleDescriptor{
		{FillType: models.FillSolid},
		{FillType: models.FillImage},
	} {
		if _, err := p.Rasterize(context.Background(), desc); err == nil {
			t.Errorf("%+v: expected error", desc)
		}
	}
}

func TestBadgeImage(t *testing.T) {
	p := NewPatternMaker("", time.Second)
	data, err := p.BadgeImage("R", "#1565c0", 0)
	if err != nil {
		t.Fatal(err)
	}
	img, err := DecodePNG(data)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 20 {
		t.Fatalf("default badge size %v", img.Bounds())
	}
	if _, err := NewPatternMaker("/nonexistent/font.ttf", time.Second).BadgeImage("R", "", 20); err == nil {
		t.Fatal("expected font error")
	}
}
