package methods

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// ParseColor 支持 #rgb、#rrggbb、#rrggbbaa 以及 RGB(r,g,b)/rgba(r,g,b,a) 写法
func ParseColor(s string) (color.RGBA, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return color.RGBA{}, fmt.Errorf("empty color")
	}
	if strings.HasPrefix(str, "#") {
		return parseHex(str[1:])
	}
	lower := strings.ToLower(str)
	if strings.HasPrefix(lower, "rgb") {
		open := strings.Index(lower, "(")
		end := strings.LastIndex(lower, ")")
		if open < 0 || end < open {
			return color.RGBA{}, fmt.Errorf("invalid color %q", s)
		}
		parts := strings.Split(lower[open+1:end], ",")
		if len(parts) != 3 && len(parts) != 4 {
			return color.RGBA{}, fmt.Errorf("invalid color %q", s)
		}
		var rgb [3]uint8
		for i := 0; i < 3; i++ {
			v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
			if err != nil || v < 0 || v > 255 {
				return color.RGBA{}, fmt.Errorf("invalid color %q", s)
			}
			rgb[i] = uint8(v)
		}
		a := uint8(255)
		if len(parts) == 4 {
			f, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
			if err != nil || f < 0 || f > 1 {
				return color.RGBA{}, fmt.Errorf("invalid color %q", s)
			}
			a = uint8(f*255 + 0.5)
		}
		return premultiply(rgb[0], rgb[1], rgb[2], a), nil
	}
	return parseHex(str)
}

func parseHex(h string) (color.RGBA, error) {
	switch len(h) {
	case 3:
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	case 6, 8:
	default:
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", h)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", h)
	}
	if len(h) == 6 {
		return color.RGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 255}, nil
	}
	return premultiply(uint8(v>>24), uint8(v>>16), uint8(v>>8), uint8(v)), nil
}

// image/color 要求 RGBA 为预乘值
func premultiply(r, g, b, a uint8) color.RGBA {
	if a == 255 {
		return color.RGBA{r, g, b, a}
	}
	return color.RGBA{
		R: uint8(uint16(r) * uint16(a) / 255),
		G: uint8(uint16(g) * uint16(a) / 255),
		B: uint8(uint16(b) * uint16(a) / 255),
		A: a,
	}
}

// NormalizeColor 统一为小写 #rrggbb，无法解析时原样返回
func NormalizeColor(s string) string {
	c, err := ParseColor(s)
	if err != nil || c.A != 255 {
		return strings.TrimSpace(s)
	}
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
