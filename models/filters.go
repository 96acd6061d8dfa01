package models

import (
	"strings"
	"time"
)

// ProductFilters narrows a product listing. Nil fields are unset.
// PriceMin and PriceMax are only applied when both are present.
type ProductFilters struct {
	Title      *string `json:"title,omitempty"`
	PriceMin   *int    `json:"priceMin,omitempty"`
	PriceMax   *int    `json:"priceMax,omitempty"`
	CategoryID *int    `json:"categoryId,omitempty"`
}

// TitleFilter returns filters matching a title substring.
func TitleFilter(title string) ProductFilters {
	return ProductFilters{Title: &title}
}

// HasTitle reports whether a non-empty title is set.
func (f ProductFilters) HasTitle() bool {
	return f.Title != nil && *f.Title != ""
}

// HasPriceRange reports whether both price bounds are set.
func (f ProductFilters) HasPriceRange() bool {
	return f.PriceMin != nil && f.PriceMax != nil
}

// TitleValue returns the title or "".
func (f ProductFilters) TitleValue() string {
	if f.Title == nil {
		return ""
	}
	return *f.Title
}

// Clone returns a copy that shares no pointers with f.
func (f ProductFilters) Clone() ProductFilters {
	return ProductFilters{
		Title:      cloneString(f.Title),
		PriceMin:   cloneInt(f.PriceMin),
		PriceMax:   cloneInt(f.PriceMax),
		CategoryID: cloneInt(f.CategoryID),
	}
}

// Equal compares filters field by field.
func (f ProductFilters) Equal(other ProductFilters) bool {
	return equalString(f.Title, other.Title) &&
		equalInt(f.PriceMin, other.PriceMin) &&
		equalInt(f.PriceMax, other.PriceMax) &&
		equalInt(f.CategoryID, other.CategoryID)
}

// MatchesTitle reports whether the title contains text, ignoring case.
func (f ProductFilters) MatchesTitle(text string) bool {
	if f.Title == nil {
		return false
	}
	return strings.Contains(strings.ToLower(*f.Title), strings.ToLower(text))
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SearchQuery is a recorded search. Two queries are the same entry when
// their filters are equal; Timestamp and UsageCount do not take part.
type SearchQuery struct {
	Filters    ProductFilters `json:"filters"`
	Timestamp  time.Time      `json:"timestamp"`
	UsageCount int            `json:"usageCount"`
}

// Same reports whether q and other refer to the same search.
func (q SearchQuery) Same(other SearchQuery) bool {
	return q.Filters.Equal(other.Filters)
}

// FeedSummary holds the overall result of a browse session.
type FeedSummary struct {
	Products       []Product
	StartTime      time.Time
	EndTime        time.Time
	PageCount      int
	HasMorePages   bool
	ErrorMessage   string
	Thumbnails     int
	Placeholders   int
	RecentSearches []SearchQuery
}
