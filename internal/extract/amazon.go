package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var amazonASIN = regexp.MustCompile(`/(?:dp|gp/product|gp/aw/d)/([A-Z0-9]{10})`)

type amazon struct{}

func (amazon) name() string { return "amazon" }

func (amazon) hosts() []string { return []string{"amazon.in", "amazon.com"} }

// canonicalPath reduces the many Amazon URL shapes (slugged, /gp/product,
// mobile) to /dp/<ASIN>.
func (amazon) canonicalPath(path string) string {
	if m := amazonASIN.FindStringSubmatch(path); m != nil {
		return "/dp/" + m[1]
	}
	return path
}

func (amazon) price(doc *goquery.Document, _ []byte) (float64, bool) {
	whole := doc.Find("#corePrice_feature_div span.a-price-whole, #corePriceDisplay_desktop_feature_div span.a-price-whole").First()
	if whole.Length() == 0 {
		whole = doc.Find("span.a-price-whole").First()
	}
	if whole.Length() > 0 {
		text := strings.TrimRight(strings.TrimSpace(whole.Text()), ".")
		if frac := strings.TrimSpace(whole.Parent().Find("span.a-price-fraction").First().Text()); frac != "" {
			text += "." + frac
		}
		if p, ok := parsePrice(text); ok {
			return p, true
		}
	}
	return firstPrice(doc,
		"#priceblock_dealprice",
		"#priceblock_saleprice",
		"#priceblock_ourprice",
		"span.a-price:not(.a-text-price) span.a-offscreen",
	)
}

func (amazon) inStock(doc *goquery.Document, _ []byte) bool {
	avail := strings.ToLower(doc.Find("#availability").Text())
	return !strings.Contains(avail, "unavailable") && !strings.Contains(avail, "out of stock")
}

func (amazon) originalPrice(doc *goquery.Document, _ []byte) (float64, bool) {
	return firstPrice(doc, "span.a-price.a-text-price span.a-offscreen", "#listPrice")
}

func (amazon) title(doc *goquery.Document) string {
	return firstText(doc, "#productTitle")
}

func (amazon) currency(doc *goquery.Document) string {
	return currencyFromSymbol(doc.Find("span.a-price-symbol").First().Text(), "INR")
}

func (amazon) blocked(doc *goquery.Document, _ []byte) bool {
	return doc.Find(`form[action*="validateCaptcha"]`).Length() > 0
}
