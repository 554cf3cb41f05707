package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ccPage(tiles ...string) string {
	return `<html><body><div class="grid">` + strings.Join(tiles, "\n") + `</div></body></html>`
}

func ccTile(title, price string) string {
	return `<div data-testid="product-tile">
		<h3>` + title + `</h3>
		<span class="product-price">` + price + `</span>
		<a href="/buy/item-99">view</a>
		<img src="/media/item-99.jpg"/>
		<span class="store-name">Leeds Kirkgate</span>
	</div>`
}

func TestCashConvertersListings(t *testing.T) {
	doc := mustDoc(t, ccPage(ccTile("PS5 Disc Edition", "£299.00")))
	pageURL := mustURL(t, "https://www.cashconverters.co.uk/search/?q=ps5")

	listings := (&CashConvertersAdapter{}).Listings(pageURL, doc)
	require.Len(t, listings, 1)

	got := listings[0]
	assert.Equal(t, "PS5 Disc Edition", got.Title)
	assert.Equal(t, "299.00", got.Price)
	assert.Equal(t, "https://www.cashconverters.co.uk/buy/item-99", got.URL)
	require.NotNil(t, got.Image)
	assert.Equal(t, "https://www.cashconverters.co.uk/media/item-99.jpg", *got.Image)
	require.NotNil(t, got.Shop)
	assert.Equal(t, "Leeds Kirkgate", *got.Shop)
	assert.Nil(t, got.Sold)
}

func TestCashConvertersSkipsIncompleteTiles(t *testing.T) {
	noPrice := `<div class="product-card"><h3>Orphan</h3></div>`
	doc := mustDoc(t, ccPage(noPrice, ccTile("Complete", "£10")))

	listings := (&CashConvertersAdapter{}).Listings(mustURL(t, "https://www.cashconverters.co.uk/buy/"), doc)
	require.Len(t, listings, 1)
	assert.Equal(t, "Complete", listings[0].Title)
}

func TestCashConvertersIdentify(t *testing.T) {
	a := &CashConvertersAdapter{}
	withTiles := mustDoc(t, ccPage(ccTile("x", "£1")))
	empty := mustDoc(t, `<html><body></body></html>`)

	assert.True(t, a.Identify(mustURL(t, "https://www.cashconverters.co.uk/buy/games"), withTiles))
	assert.True(t, a.Identify(mustURL(t, "https://www.cashconverters.co.uk/search/?q=tv"), withTiles))
	assert.False(t, a.Identify(mustURL(t, "https://www.cashconverters.co.uk/about/"), withTiles))
	assert.False(t, a.Identify(mustURL(t, "https://www.cashconverters.co.uk/buy/games"), empty))
	assert.False(t, a.Identify(nil, withTiles))
}
