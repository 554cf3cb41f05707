// Package adapter normalizes heterogeneous competitor listing pages into one
// Listing schema. Each adapter is a pure parsing strategy over a rendered
// document; scraping is best-effort against third-party markup, so a missing
// container degrades to an empty result rather than an error.
package adapter

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Competitor identifies a supported listing site.
type Competitor string

const (
	CompetitorEBay           Competitor = "eBay"
	CompetitorCashConverters Competitor = "CashConverters"
	CompetitorUnknown        Competitor = "Unknown"
)

// Known reports whether c names a site with a registered adapter.
func (c Competitor) Known() bool {
	return c == CompetitorEBay || c == CompetitorCashConverters
}

const maxTitleLen = 200

// Listing is one normalized listing card. Title is truncated to 200 runes and
// Price is always numeric-looking text ("0" when unparsable). Image, Sold and
// Shop are nil when absent, never empty strings.
type Listing struct {
	Title string  `json:"title"`
	Price string  `json:"price"`
	URL   string  `json:"url"`
	Image *string `json:"image"`
	Sold  *string `json:"sold"`
	Shop  *string `json:"shop"`
}

// SiteAdapter is the per-site parsing strategy. Identify must combine the host
// check with a structural probe, because the same host serves non-listing
// pages.
type SiteAdapter interface {
	Competitor() Competitor
	Identify(pageURL *url.URL, doc *goquery.Document) bool
	SearchTerm(doc *goquery.Document) string
	Listings(pageURL *url.URL, doc *goquery.Document) []Listing
}

// Info describes a registered adapter for the operator API.
type Info struct {
	Competitor Competitor `json:"competitor"`
	HostSuffix string     `json:"host_suffix"`
}

type entry struct {
	hostSuffix string
	adapter    SiteAdapter
}

// Registry is the strategy table mapping host names to adapters.
type Registry struct {
	entries []entry
}

// NewRegistry builds the default adapter set.
func NewRegistry() *Registry {
	r := &Registry{}
	r.register("ebay.co.uk", &EBayAdapter{})
	r.register("cashconverters.co.uk", &CashConvertersAdapter{})
	return r
}

func (r *Registry) register(hostSuffix string, a SiteAdapter) {
	r.entries = append(r.entries, entry{hostSuffix: hostSuffix, adapter: a})
}

// ForHost selects the adapter matching a page host. The boolean is false when
// no site matches; callers then produce a well-formed empty result.
func (r *Registry) ForHost(host string) (SiteAdapter, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, e := range r.entries {
		if host == e.hostSuffix || strings.HasSuffix(host, "."+e.hostSuffix) {
			return e.adapter, true
		}
	}
	return nil, false
}

// ForCompetitor selects the adapter for a competitor tag.
func (r *Registry) ForCompetitor(c Competitor) (SiteAdapter, bool) {
	for _, e := range r.entries {
		if e.adapter.Competitor() == c {
			return e.adapter, true
		}
	}
	return nil, false
}

// List returns the registered adapters in registration order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{Competitor: e.adapter.Competitor(), HostSuffix: e.hostSuffix})
	}
	return out
}

var priceToken = regexp.MustCompile(`\d+(?:\.\d+)?`)

// normalizePrice extracts the first numeric token from raw price text, after
// dropping thousands separators. Range prices ("£9.99 to £19.99") keep only
// the lower bound, and an unparsable value becomes "0" so downstream
// consumers always see a numeric-looking field.
func normalizePrice(raw string) string {
	tok := priceToken.FindString(strings.ReplaceAll(raw, ",", ""))
	if tok == "" {
		return "0"
	}
	return tok
}

// truncateTitle trims whitespace and caps the title at 200 runes.
func truncateTitle(raw string) string {
	t := strings.TrimSpace(raw)
	runes := []rune(t)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen])
	}
	return t
}

// resolveURL resolves a possibly host-relative href against the page origin.
func resolveURL(pageURL *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if pageURL == nil {
		return href
	}
	return pageURL.ResolveReference(ref).String()
}

// optional maps empty strings to nil pointers.
func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
