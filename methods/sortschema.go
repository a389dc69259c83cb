package methods

import (
	"strings"
	"unicode"

	"github.com/mozillazg/go-pinyin"
)

// chineseToPinyin 汉字转无声调拼音，其他字符保留
func chineseToPinyin(s string) string {
	a := pinyin.NewArgs()
	a.Style = pinyin.NORMAL
	a.Heteronym = false
	var b strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			py := pinyin.SinglePinyin(r, a)
			if len(py) > 0 {
				b.WriteString(py[0])
				continue
			}
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// LessByName 名称比较：中文按拼音，其他按字母序
func LessByName(a, b string) bool {
	pa, pb := chineseToPinyin(a), chineseToPinyin(b)
	if pa != pb {
		return pa < pb
	}
	return a < b
}
