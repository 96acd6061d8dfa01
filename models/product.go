// Package models defines the storefront data structures.
package models

import (
	"fmt"
	"strings"
)

// Category groups products in the catalogue.
type Category struct {
	ID    int    `json:"id" validate:"gte=0"`
	Name  string `json:"name"`
	Slug  string `json:"slug,omitempty"`
	Image string `json:"image,omitempty"`
}

// Product is a catalogue item. It is treated as immutable once fetched.
type Product struct {
	ID          int      `json:"id" validate:"gt=0"`
	Title       string   `json:"title" validate:"required"`
	Price       int      `json:"price" validate:"gte=0"`
	Description string   `json:"description"`
	Images      []string `json:"images"`
	Category    Category `json:"category"`
}

// Thumbnail returns the primary image URL, or "" when the product has none.
func (p Product) Thumbnail() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

// PriceWithCurrency formats the price in dollars.
func (p Product) PriceWithCurrency() string {
	return fmt.Sprintf("$%d", p.Price)
}

// CardText renders the product as shareable plain text.
func (p Product) CardText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", p.Title)
	fmt.Fprintf(&b, "Category: %s\n", p.Category.Name)
	fmt.Fprintf(&b, "Description: %s\n", p.Description)
	fmt.Fprintf(&b, "Price: %s", p.PriceWithCurrency())
	return b.String()
}

// CartItem is a product line in the cart.
type CartItem struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

// Page is one listing page. Fetched is the number of rows the catalogue
// returned, including rows dropped as invalid, so a page can hold fewer
// Products than were fetched.
type Page struct {
	Products []Product
	Fetched  int
}
