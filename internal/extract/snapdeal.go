package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type snapdeal struct{}

func (snapdeal) name() string { return "snapdeal" }

func (snapdeal) hosts() []string { return []string{"snapdeal.com"} }

func (snapdeal) canonicalPath(path string) string { return path }

func (snapdeal) price(doc *goquery.Document, _ []byte) (float64, bool) {
	return firstPrice(doc, "span.payBlkBig", "span.product-price", "#buyPriceBox")
}

func (snapdeal) inStock(doc *goquery.Document, _ []byte) bool {
	if doc.Find("#soldOutPanel, div.sold-out-err").Length() > 0 {
		return false
	}
	return !ownTextContains(doc, "div, span", "sold out", "out of stock")
}

func (snapdeal) originalPrice(doc *goquery.Document, _ []byte) (float64, bool) {
	return firstPrice(doc, "div.pdpCutPrice", "span.pdpCutPrice")
}

func (snapdeal) title(doc *goquery.Document) string {
	return firstText(doc, "h1.pdp-e-i-head", "h1")
}

func (snapdeal) currency(*goquery.Document) string { return "INR" }

func (snapdeal) blocked(doc *goquery.Document, _ []byte) bool {
	return strings.Contains(strings.ToLower(doc.Find("title").Text()), "access denied")
}
