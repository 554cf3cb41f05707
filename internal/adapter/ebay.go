package adapter

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const ebayResultsList = "#srp-river-results > ul"

var soldCountPattern = regexp.MustCompile(`(?i)^\d+\s*sold$`)

// EBayAdapter parses eBay search result pages. Selectors target the s-card
// result layout used on ebay.co.uk search pages.
type EBayAdapter struct{}

func (a *EBayAdapter) Competitor() Competitor { return CompetitorEBay }

// Identify requires the results list to be present; the host alone is not
// enough because ebay.co.uk also serves item and category pages.
func (a *EBayAdapter) Identify(pageURL *url.URL, doc *goquery.Document) bool {
	if doc == nil {
		return false
	}
	return doc.Find(ebayResultsList).Length() > 0
}

// SearchTerm reads the header search box, which still holds the active query
// on a results page.
func (a *EBayAdapter) SearchTerm(doc *goquery.Document) string {
	if doc == nil {
		return ""
	}
	val, _ := doc.Find("#gh-ac").Attr("value")
	return strings.TrimSpace(val)
}

func (a *EBayAdapter) Listings(pageURL *url.URL, doc *goquery.Document) []Listing {
	results := []Listing{}
	if doc == nil {
		return results
	}
	list := doc.Find(ebayResultsList).First()
	if list.Length() == 0 {
		return results
	}

	list.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
		// Prefer the primary title text over overlays like "New listing".
		titleSel := li.Find(".s-card__title .su-styled-text.primary.default").First()
		if titleSel.Length() == 0 {
			titleSel = li.Find(".s-card__title .su-styled-text, .s-card__title span").First()
		}
		priceSel := li.Find(".s-card__price").First()
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
			Sold:  a.soldAnnotation(li),
		}

		if href, ok := li.Find(`a.s-card__link[href*="/itm/"]`).First().Attr("href"); ok {
			listing.URL = resolveURL(pageURL, href)
		} else if pageURL != nil {
			listing.URL = pageURL.String()
		}
		if src, ok := li.Find("img.s-card__image").First().Attr("src"); ok {
			listing.Image = optional(resolveURL(pageURL, src))
		}

		results = append(results, listing)
	})
	return results
}

// soldAnnotation looks for a sold marker in the card caption ("Sold 20 Feb
// 2026") or in an attribute row ("289 sold"). Absence is nil, not "".
func (a *EBayAdapter) soldAnnotation(li *goquery.Selection) *string {
	caption := strings.TrimSpace(li.Find(".s-card__caption").First().Text())
	if caption != "" && strings.Contains(strings.ToLower(caption), "sold") {
		return &caption
	}

	var sold *string
	li.Find(".su-card-container__attributes__primary .s-card__attribute-row").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		text := strings.TrimSpace(row.Text())
		if soldCountPattern.MatchString(text) || strings.Contains(strings.ToLower(text), " sold") {
			sold = &text
			return false
		}
		return true
	})
	return sold
}
