package adapter

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const cashConvertersCards = `[data-testid="product-tile"], .product-card, .listing-card, .product`

var cashConvertersListingPath = regexp.MustCompile(`/(buy|search|c)/`)

// CashConvertersAdapter parses Cash Converters product grids. The site has no
// stable card markup, so the selectors cover the tile variants seen in the
// wild.
type CashConvertersAdapter struct{}

func (a *CashConvertersAdapter) Competitor() Competitor { return CompetitorCashConverters }

// Identify accepts browse, search and category paths when product tiles are
// rendered.
func (a *CashConvertersAdapter) Identify(pageURL *url.URL, doc *goquery.Document) bool {
	if pageURL == nil || !cashConvertersListingPath.MatchString(pageURL.Path) {
		return false
	}
	return doc != nil && doc.Find(cashConvertersCards).Length() > 0
}

// SearchTerm is unavailable on Cash Converters; the site does not echo the
// active query into a stable element.
func (a *CashConvertersAdapter) SearchTerm(doc *goquery.Document) string { return "" }

func (a *CashConvertersAdapter) Listings(pageURL *url.URL, doc *goquery.Document) []Listing {
	results := []Listing{}
	if doc == nil {
		return results
	}

	doc.Find(cashConvertersCards).Each(func(_ int, card *goquery.Selection) {
		titleSel := card.Find(`h2, h3, [class*="title"], [class*="name"]`).First()
		priceSel := card.Find(`[class*="price"], [data-testid*="price"]`).First()
		if titleSel.Length() == 0 || priceSel.Length() == 0 {
			return
		}
		title := truncateTitle(titleSel.Text())
		if title == "" {
			return
		}

		listing := Listing{
			Title: title,
			Price: normalizePrice(priceSel.Text()),
			Shop:  a.shopAnnotation(card),
		}

		if href, ok := card.Find("a[href]").First().Attr("href"); ok {
			listing.URL = resolveURL(pageURL, href)
		} else if pageURL != nil {
			listing.URL = pageURL.String()
		}
		if src, ok := card.Find("img").First().Attr("src"); ok {
			listing.Image = optional(resolveURL(pageURL, src))
		}

		results = append(results, listing)
	})
	return results
}

// shopAnnotation extracts the branch name shown on store-stock tiles.
func (a *CashConvertersAdapter) shopAnnotation(card *goquery.Selection) *string {
	shop := strings.TrimSpace(card.Find(`[class*="store"], [class*="branch"], [data-testid*="store"]`).First().Text())
	return optional(shop)
}
