package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	numberPattern  = regexp.MustCompile(`\d+(?:\.\d+)?`)
	currencyTokens = strings.NewReplacer("₹", "", "Rs.", "", "Rs", "", "INR", "", "$", "", ",", "", " ", " ")
)

// parsePrice reads the first number out of a price label such as
// "₹1,29,999.00" or "Rs. 499".
func parsePrice(text string) (float64, bool) {
	cleaned := currencyTokens.Replace(text)
	m := numberPattern.FindString(cleaned)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// firstPrice tries selectors in order and returns the first parseable price.
func firstPrice(doc *goquery.Document, selectors ...string) (float64, bool) {
	for _, sel := range selectors {
		var (
			price float64
			found bool
		)
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			price, found = parsePrice(s.Text())
			return !found
		})
		if found {
			return price, true
		}
	}
	return 0, false
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return strings.Join(strings.Fields(t), " ")
		}
	}
	return ""
}

// ownTextContains reports whether any element matched by sel has a direct
// text child containing one of needles (case-insensitive). Descendant text is
// ignored so container elements do not match everything.
func ownTextContains(doc *goquery.Document, sel string, needles ...string) bool {
	found := false
	doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, n := range s.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.TextNode {
					continue
				}
				text := strings.ToLower(c.Data)
				for _, needle := range needles {
					if strings.Contains(text, needle) {
						found = true
						return false
					}
				}
			}
		}
		return true
	})
	return found
}

func currencyFromSymbol(symbol, fallback string) string {
	switch strings.TrimSpace(symbol) {
	case "₹":
		return "INR"
	case "$":
		return "USD"
	case "£":
		return "GBP"
	case "€":
		return "EUR"
	default:
		return fallback
	}
}
