// Package extract turns fetched product pages into normalized price
// observations. Each supported platform is one variant implementing the
// same capability set; the registry dispatches by platform key.
package extract

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Result is what an extractor reads off one page.
type Result struct {
	Title           string
	Price           float64
	Currency        string
	InStock         bool
	OriginalPrice   *float64
	DiscountPercent *float64
}

// variant is the capability contract every platform implements.
type variant interface {
	name() string
	hosts() []string
	canonicalPath(path string) string
	price(doc *goquery.Document, raw []byte) (float64, bool)
	inStock(doc *goquery.Document, raw []byte) bool
	originalPrice(doc *goquery.Document, raw []byte) (float64, bool)
	title(doc *goquery.Document) string
	currency(doc *goquery.Document) string
	blocked(doc *goquery.Document, raw []byte) bool
}

// Registry holds the closed set of platform extractors.
type Registry struct {
	variants map[string]variant
}

// NewRegistry returns a registry with every built-in platform.
func NewRegistry() *Registry {
	r := &Registry{variants: make(map[string]variant)}
	for _, v := range []variant{amazon{}, flipkart{}, snapdeal{}, myntra{}} {
		r.variants[v.name()] = v
	}
	return r
}

// Platforms lists the registered platform keys in sorted order.
func (r *Registry) Platforms() []string {
	names := make([]string, 0, len(r.variants))
	for name := range r.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether platform has an extractor.
func (r *Registry) Supports(platform string) bool {
	_, ok := r.variants[platform]
	return ok
}

// Resolve maps a user-supplied product URL to its platform and canonical URL.
// The canonical form (lower-case host, no query or fragment, platform-specific
// path normalization) is the product identity.
func (r *Registry) Resolve(rawURL string) (platform, canonical string, err error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("url %q: scheme must be http or https", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", "", fmt.Errorf("url %q: missing host", rawURL)
	}

	v := r.match(host)
	if v == nil {
		return "", "", fmt.Errorf("host %s: %w", host, ErrUnsupportedPlatform)
	}

	path := v.canonicalPath(u.EscapedPath())
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "", "", fmt.Errorf("url %q: missing product path", rawURL)
	}

	return v.name(), "https://" + host + path, nil
}

func (r *Registry) match(host string) variant {
	for _, v := range r.variants {
		for _, h := range v.hosts() {
			if host == h || strings.HasSuffix(host, "."+h) {
				return v
			}
		}
	}
	return nil
}

// Extract parses a fetched page for platform. It has no side effects.
func (r *Registry) Extract(platform string, body []byte) (*Result, error) {
	v, ok := r.variants[platform]
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", platform, ErrUnsupportedPlatform)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, transient(platform, "empty page")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, transient(platform, "parse html: %v", err)
	}
	if doc.Find("body").Children().Length() == 0 {
		return nil, transient(platform, "page has no body content")
	}
	if v.blocked(doc, body) {
		return nil, transient(platform, "bot-check page served")
	}

	price, ok := v.price(doc, body)
	if !ok {
		return nil, structureChanged(platform, "price not found")
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, structureChanged(platform, "price %v out of range", price)
	}

	res := &Result{
		Title:    v.title(doc),
		Price:    price,
		Currency: v.currency(doc),
		InStock:  v.inStock(doc, body),
	}
	if orig, ok := v.originalPrice(doc, body); ok && orig > price {
		discount := math.Round((orig-price)/orig*10000) / 100
		res.OriginalPrice = &orig
		res.DiscountPercent = &discount
	}
	return res, nil
}
