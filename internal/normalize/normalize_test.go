package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

func TestPrice(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"pound symbol", "£12.99", "12.99"},
		{"euro symbol", "€5,49", "5.49"},
		{"plain number", "10", "10"},
		{"range keeps lower bound", "from £4.99", "4.99"},
		{"thousands separator", "£1,299.00", "1299.00"},
		{"thousands separator no decimals", "1,299", "1299"},
		{"whitespace", "  £3.50  ", "3.50"},
		{"no digits", "call for price", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Price(tt.raw))
		})
	}
}

func TestStock(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"In Stock", models.StockStatusInStock},
		{"Only 3 left - add to basket", models.StockStatusInStock},
		{"Sold out", models.StockStatusOutOfStock},
		{"Currently not available", models.StockStatusOutOfStock},
		{"random text", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Stock(tt.raw), "raw=%q", tt.raw)
	}
}

func TestCleanURL(t *testing.T) {
	assert.Equal(t, "https://example.com/p/1", CleanURL(" https://example.com/p/1#gallery "))
	assert.Empty(t, CleanURL("ftp://example.com/file"))
	assert.Empty(t, CleanURL("/relative/path"))
	assert.Empty(t, CleanURL(""))
}

func TestFilterExcluded(t *testing.T) {
	items := []models.WorkItem{
		{URL: "https://shop.example/products/soap"},
		{URL: "https://shop.example/gift-cards/xmas"},
		{URL: "https://shop.example/products/shampoo"},
	}

	kept := FilterExcluded(items, []string{"/gift-cards/"})
	assert.Len(t, kept, 2)
	for _, item := range kept {
		assert.NotContains(t, item.URL, "gift-cards")
	}

	assert.Len(t, FilterExcluded(items, nil), 3)
}
