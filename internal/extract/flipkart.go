package extract

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	flipkartFinalPrice = []*regexp.Regexp{
		regexp.MustCompile(`"finalPrice"\s*:\s*\{[^{}]*?"value"\s*:\s*"?(\d+(?:,\d+)*(?:\.\d+)?)`),
		regexp.MustCompile(`"finalPrice"\s*:\s*"?(\d+(?:,\d+)*(?:\.\d+)?)`),
	}
	flipkartMRP = []*regexp.Regexp{
		regexp.MustCompile(`"mrp"\s*:\s*\{[^{}]*?"value"\s*:\s*"?(\d+(?:,\d+)*(?:\.\d+)?)`),
		regexp.MustCompile(`"mrp"\s*:\s*"?(\d+(?:,\d+)*(?:\.\d+)?)`),
	}
)

type flipkart struct{}

func (flipkart) name() string { return "flipkart" }

func (flipkart) hosts() []string { return []string{"flipkart.com"} }

func (flipkart) canonicalPath(path string) string { return path }

// price reads the rendered price block, falling back to the finalPrice field
// of the page's embedded state JSON when the class names have rotated.
func (flipkart) price(doc *goquery.Document, raw []byte) (float64, bool) {
	if p, ok := firstPrice(doc,
		"div.Nx9bqj.CxhGGd",
		"div._30jeq3._16Jk6d",
		"div._30jeq3",
		"div.Nx9bqj",
	); ok {
		return p, true
	}
	return embeddedPrice(raw, flipkartFinalPrice)
}

func (flipkart) inStock(doc *goquery.Document, raw []byte) bool {
	if ownTextContains(doc, "div, span, button", "out of stock", "sold out", "currently unavailable") {
		return false
	}
	return !bytes.Contains(raw, []byte(`"isAvailable":false`))
}

func (flipkart) originalPrice(doc *goquery.Document, raw []byte) (float64, bool) {
	if p, ok := firstPrice(doc, "div.yRaY8j", "div._3I9_wc"); ok {
		return p, true
	}
	return embeddedPrice(raw, flipkartMRP)
}

func (flipkart) title(doc *goquery.Document) string {
	return firstText(doc, "span.VU-ZEz", "span.B_NuCI", "h1")
}

func (flipkart) currency(*goquery.Document) string { return "INR" }

func (flipkart) blocked(doc *goquery.Document, _ []byte) bool {
	return strings.Contains(strings.ToLower(doc.Find("title").Text()), "captcha")
}

// embeddedPrice pulls a numeric field out of JSON embedded in a script tag,
// trying patterns in order. Values may be quoted and carry digit grouping.
func embeddedPrice(raw []byte, patterns []*regexp.Regexp) (float64, bool) {
	for _, pattern := range patterns {
		m := pattern.FindSubmatch(raw)
		if len(m) < 2 {
			continue
		}
		if v, ok := parsePrice(string(m[1])); ok && v > 0 {
			return v, true
		}
	}
	return 0, false
}
