// Package normalize derives structured fields from the free text of scraped stamps.
//
// Every function is pure and total: missing input yields a nil or "other"
// result, never an error.
package normalize

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
)

// Mapping pairs a Japanese token with its normalized value.
type Mapping[T any] struct {
	Token string
	Value T
}

// ShapeTable is consulted in order; the first token contained in the size text wins.
// The polygon words sit ahead of the bare 角形 they contain.
var ShapeTable = []Mapping[crawler.Shape]{
	{Token: "円形", Value: crawler.ShapeCircle},
	{Token: "円", Value: crawler.ShapeCircle},
	{Token: "丸形", Value: crawler.ShapeCircle},
	{Token: "丸", Value: crawler.ShapeCircle},
	{Token: "六角形", Value: crawler.ShapeHexagon},
	{Token: "五角形", Value: crawler.ShapePentagon},
	{Token: "四角形", Value: crawler.ShapeSquare},
	{Token: "四角", Value: crawler.ShapeSquare},
	{Token: "正方形", Value: crawler.ShapeSquare},
	{Token: "長方形", Value: crawler.ShapeSquare},
	{Token: "角形", Value: crawler.ShapeSquare},
}

// ColorTable is consulted in order; the first token contained in the color text wins.
var ColorTable = []Mapping[string]{
	{Token: "赤", Value: "red"},
	{Token: "紅", Value: "red"},
	{Token: "朱", Value: "vermillion"},
	{Token: "橙", Value: "orange"},
	{Token: "オレンジ", Value: "orange"},
	{Token: "黄", Value: "yellow"},
	{Token: "黄色", Value: "yellow"},
	{Token: "緑", Value: "green"},
	{Token: "青", Value: "blue"},
	{Token: "水色", Value: "light blue"},
	{Token: "紺", Value: "navy"},
	{Token: "紫", Value: "purple"},
	{Token: "ピンク", Value: "pink"},
	{Token: "桃", Value: "pink"},
	{Token: "茶", Value: "brown"},
	{Token: "黒", Value: "black"},
	{Token: "灰", Value: "gray"},
	{Token: "白", Value: "white"},
	{Token: "金", Value: "gold"},
	{Token: "銀", Value: "silver"},
}

// \s in the page text also has to cover the ideographic space.
var (
	heightPattern   = regexp.MustCompile(`縦[\s\p{Zs}]*([\d.]+)[\s\p{Zs}]*cm`)
	widthPattern    = regexp.MustCompile(`横[\s\p{Zs}]*([\d.]+)[\s\p{Zs}]*cm`)
	diameterPattern = regexp.MustCompile(`([\d.]+)[\s\p{Zs}]*cm.*円`)
	anySizePattern  = regexp.MustCompile(`([\d.]+)[\s\p{Zs}]*cm`)
)

func lookup[T any](table []Mapping[T], text string) (T, bool) {
	for _, m := range table {
		if strings.Contains(text, m.Token) {
			return m.Value, true
		}
	}
	var zero T
	return zero, false
}

// ClassifyShape maps a size description to a Shape. Absent or unrecognized
// text is ShapeOther.
func ClassifyShape(size *string) crawler.Shape {
	if size == nil || *size == "" {
		return crawler.ShapeOther
	}
	if shape, ok := lookup(ShapeTable, *size); ok {
		return shape
	}
	return crawler.ShapeOther
}

// ExtractSizeCm returns "HxWcm" when both height and width are given, otherwise
// the first centimetre figure as "Ncm", or nil.
func ExtractSizeCm(size *string) *string {
	if size == nil || *size == "" {
		return nil
	}
	text := *size
	h := heightPattern.FindStringSubmatch(text)
	w := widthPattern.FindStringSubmatch(text)
	if h != nil && w != nil && h[1] != "" && w[1] != "" {
		return ptr(h[1] + "x" + w[1] + "cm")
	}
	if m := diameterPattern.FindStringSubmatch(text); m != nil && m[1] != "" {
		return ptr(m[1] + "cm")
	}
	if m := anySizePattern.FindStringSubmatch(text); m != nil && m[1] != "" {
		return ptr(m[1] + "cm")
	}
	return nil
}

// TranslateColor returns the English color for the first known token, the
// original text when nothing matches, and nil for absent input.
func TranslateColor(color *string) *string {
	if color == nil || *color == "" {
		return nil
	}
	if en, ok := lookup(ColorTable, *color); ok {
		return ptr(en)
	}
	return ptr(*color)
}

// Stamp attaches derived size, shape and color fields to a scraped stamp.
func Stamp(s crawler.ScrapedStamp) crawler.NormalizedStamp {
	return crawler.NormalizedStamp{
		Source:  s,
		SizeCm:  ExtractSizeCm(s.Size),
		Shape:   ClassifyShape(s.Size),
		ColorEn: TranslateColor(s.Color),
	}
}

// Stamps normalizes every stamp, preserving order.
func Stamps(stamps []crawler.ScrapedStamp) []crawler.NormalizedStamp {
	out := make([]crawler.NormalizedStamp, 0, len(stamps))
	for _, s := range stamps {
		out = append(out, Stamp(s))
	}
	return out
}

func ptr(s string) *string {
	return &s
}
