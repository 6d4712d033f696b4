// Package extract turns stamp-site HTML into crawler.ScrapedPage records.
//
// Extraction is best effort: a field whose markup is missing or malformed is
// left nil and the rest of the page is still returned.
package extract

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
)

const (
	// BaseURL is the origin every station detail page lives under.
	BaseURL = "https://stamp.funakiya.com"
	// IndexSelector matches the station links of a line index page.
	IndexSelector = "ul.allArticleList > li > a[href]"
)

const ws = `[\s\p{Zs}]`

var (
	nameSuffixPattern = regexp.MustCompile(`のスタンプ$`)
	kanaPattern       = regexp.MustCompile(`駅名称[：:].+[（(](.+?)[）)]`)
	englishPattern    = regexp.MustCompile(`EN[：:]` + ws + `*(.+)`)
	addressPattern    = regexp.MustCompile(`所在地[：:]` + ws + `*(.+)`)
	postalPrefix      = regexp.MustCompile(`〒[\d-]+` + ws + `*`)
	postalPattern     = regexp.MustCompile(`〒?([\d-]+)`)
	geoPattern        = regexp.MustCompile(`Geo URI[：:]` + ws + `*([\d.,\s]+)`)
	latLonPattern     = regexp.MustCompile(`([\d.]+),` + ws + `*([\d.]+)`)
	companyPattern    = regexp.MustCompile(`(.+?)のスタンプ`)
	rangeSeparator    = regexp.MustCompile(`[～〜-]`)

	sizeLabel     = labelPattern("サイズ")
	colorLabel    = labelPattern("色")
	locationLabel = labelPattern("設置場所")
	periodLabel   = labelPattern("設置期間")
	stampedLabel  = labelPattern("スタンプを押した日")
)

func labelPattern(label string) *regexp.Regexp {
	return regexp.MustCompile(label + `[：:]` + ws + `*(.+)`)
}

// Links returns the distinct station detail URLs on an index page in
// document order.
func Links(indexHTML []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(indexHTML))
	if err != nil {
		return nil, fmt.Errorf("parse index html: %w", err)
	}
	seen := make(map[string]struct{})
	links := make([]string, 0)
	doc.Find(IndexSelector).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || !strings.HasPrefix(href, BaseURL) || !strings.HasSuffix(href, ".html") {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links, nil
}

// ParseDetail extracts the station location and every listed stamp from a
// detail page. It only fails when the document cannot be read.
func ParseDetail(html []byte, pageURL string) (crawler.ScrapedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.ScrapedPage{}, fmt.Errorf("parse detail html: %w", err)
	}

	page := crawler.ScrapedPage{
		Location: parseLocation(doc, pageURL),
		Stamps:   make([]crawler.ScrapedStamp, 0),
	}

	doc.Find("details").Each(func(_ int, details *goquery.Selection) {
		status := sectionStatus(strings.TrimSpace(details.Find("summary").Text()))
		page.Stamps = append(page.Stamps, parseSection(details, status)...)
	})
	return page, nil
}

func parseLocation(doc *goquery.Document, pageURL string) crawler.LocationInfo {
	name := nameSuffixPattern.ReplaceAllString(doc.Find(".articleHeader h2").Text(), "")
	info := doc.Find(".articleBody").Text()

	loc := crawler.LocationInfo{
		Name:    strings.TrimSpace(name),
		PageURL: pageURL,
	}
	if m := kanaPattern.FindStringSubmatch(info); m != nil && m[1] != "" {
		loc.NameKana = ptr(m[1])
	}
	loc.NameEn = capture(englishPattern, info)

	if m := addressPattern.FindStringSubmatch(info); m != nil {
		raw := m[1]
		loc.Address = nonEmpty(postalPrefix.ReplaceAllLiteralString(raw, ""))
		if pm := postalPattern.FindStringSubmatch(raw); pm != nil && pm[1] != "" {
			loc.PostalCode = ptr(pm[1])
		}
	}
	if m := geoPattern.FindStringSubmatch(info); m != nil {
		loc.Coordinates = parseCoordinates(m[1])
	}
	if m := companyPattern.FindStringSubmatch(doc.Find(".articleHeader .date").Text()); m != nil {
		loc.CompanyName = nonEmpty(m[1])
	}
	return loc
}

func parseCoordinates(geo string) *crawler.Coordinates {
	m := latLonPattern.FindStringSubmatch(geo)
	if m == nil {
		return nil
	}
	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsNaN(lat) || math.IsInf(lat, 0) {
		return nil
	}
	lon, err := strconv.ParseFloat(m[2], 64)
	if err != nil || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return nil
	}
	return &crawler.Coordinates{Lat: lat, Lon: lon}
}

func sectionStatus(summary string) crawler.StampStatus {
	switch {
	case strings.Contains(summary, "廃止"):
		return crawler.StampStatusDiscontinued
	case strings.Contains(summary, "期間限定"):
		return crawler.StampStatusLimited
	default:
		return crawler.StampStatusAvailable
	}
}

func parseSection(section *goquery.Selection, status crawler.StampStatus) []crawler.ScrapedStamp {
	var stamps []crawler.ScrapedStamp
	section.Find("h5").Each(func(_ int, h5 *goquery.Selection) {
		title := strings.TrimSpace(h5.Text())
		if title == "" {
			return
		}

		var parts []string
		for cur := h5.Next(); cur.Length() > 0 && !cur.Is("h5") && !cur.Is("hr"); cur = cur.Next() {
			if cur.Is("p") {
				parts = append(parts, cur.Text())
			}
		}
		text := strings.Join(parts, "\n")

		stamp := crawler.ScrapedStamp{
			Title:        title,
			LocationNote: capture(locationLabel, text),
			Size:         capture(sizeLabel, text),
			Color:        capture(colorLabel, text),
			Status:       status,
			StampedDate:  capture(stampedLabel, text),
		}
		if src, ok := h5.NextAllFiltered("div").First().Find("img").Attr("src"); ok && src != "" {
			stamp.ImageURL = ptr(src)
		}
		stamp.AvailableFrom, stamp.AvailableUntil = availability(text)
		stamps = append(stamps, stamp)
	})
	return stamps
}

func availability(text string) (from, until *string) {
	period := periodLabel.FindStringSubmatch(text)
	if period == nil || period[1] == "" {
		return nil, nil
	}
	parts := rangeSeparator.Split(period[1], -1)
	from = nonEmpty(parts[0])
	if len(parts) > 1 {
		until = nonEmpty(parts[1])
	}
	return from, until
}

// capture returns the trimmed first group of re in text, or nil.
func capture(re *regexp.Regexp, text string) *string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return nonEmpty(m[1])
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func ptr(s string) *string {
	return &s
}
