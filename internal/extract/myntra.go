package extract

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Myntra renders most of the product page client-side; the server response
// carries the product in a window.__myx pdpData blob.
var (
	myntraDiscounted = []*regexp.Regexp{regexp.MustCompile(`"discounted"\s*:\s*"?(\d+(?:\.\d+)?)`)}
	myntraMRP        = []*regexp.Regexp{regexp.MustCompile(`"mrp"\s*:\s*"?(\d+(?:\.\d+)?)`)}
	myntraOOS        = regexp.MustCompile(`"outOfStock"\s*:\s*true`)
	myntraProductID  = regexp.MustCompile(`/(\d{5,})(?:/buy)?$`)
)

type myntra struct{}

func (myntra) name() string { return "myntra" }

func (myntra) hosts() []string { return []string{"myntra.com"} }

// canonicalPath keeps the slug but drops the trailing /buy action segment.
func (myntra) canonicalPath(path string) string {
	path = strings.TrimRight(path, "/")
	if m := myntraProductID.FindStringSubmatchIndex(path); m != nil {
		return path[:m[3]]
	}
	return path
}

func (myntra) price(doc *goquery.Document, raw []byte) (float64, bool) {
	if p, ok := firstPrice(doc, "span.pdp-price strong", "span.pdp-price", "span.product-discountedPrice", "div.pdp-price"); ok {
		return p, true
	}
	if !bytes.Contains(raw, []byte("pdpData")) {
		return 0, false
	}
	return embeddedPrice(raw, myntraDiscounted)
}

func (myntra) inStock(doc *goquery.Document, raw []byte) bool {
	if myntraOOS.Match(raw) {
		return false
	}
	return !ownTextContains(doc, "div, span", "out of stock", "sold out")
}

func (myntra) originalPrice(doc *goquery.Document, raw []byte) (float64, bool) {
	if p, ok := firstPrice(doc, "span.pdp-mrp s", "span.product-strike"); ok {
		return p, true
	}
	if !bytes.Contains(raw, []byte("pdpData")) {
		return 0, false
	}
	return embeddedPrice(raw, myntraMRP)
}

func (myntra) title(doc *goquery.Document) string {
	brand := firstText(doc, "h1.pdp-title")
	name := firstText(doc, "h1.pdp-name")
	return strings.TrimSpace(brand + " " + name)
}

func (myntra) currency(*goquery.Document) string { return "INR" }

func (myntra) blocked(doc *goquery.Document, _ []byte) bool {
	return strings.Contains(strings.ToLower(doc.Find("title").Text()), "site maintenance")
}
