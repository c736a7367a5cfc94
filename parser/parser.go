// Package parser normalizes scraped text into typed record fields.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-books-api/models"
)

var availabilityRe = regexp.MustCompile(`\((\d+) available\)`)

// ValidateBook ensures a record satisfies the dataset invariants before
// it is persisted: required text fields present, rating in [1,5], price
// non-negative. Records carrying the 0 rating sentinel are rejected here
// so it never reaches the dataset.
func ValidateBook(b *models.Book) error {
	if b == nil {
		return fmt.Errorf("book is nil")
	}
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("book missing title")
	}
	if strings.TrimSpace(b.Category) == "" {
		return fmt.Errorf("book missing category for %s", b.Title)
	}
	if b.Price < 0 {
		return fmt.Errorf("book has negative price for %s", b.Title)
	}
	if b.Rating < 1 || b.Rating > 5 {
		return fmt.Errorf("book rating %d out of range for %s", b.Rating, b.Title)
	}
	if b.Availability < 0 {
		return fmt.Errorf("book has negative availability for %s", b.Title)
	}
	return nil
}

// NormalizePrice strips the currency symbol (including the mojibake
// variant the source serves) and parses the remainder as a decimal.
func NormalizePrice(text string) (float64, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.ReplaceAll(cleaned, "Â£", "")
	cleaned = strings.ReplaceAll(cleaned, "£", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0, fmt.Errorf("empty price")
	}
	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", text, err)
	}
	if price < 0 {
		return 0, fmt.Errorf("negative price %q", text)
	}
	return price, nil
}

// RatingToNumeric converts the textual star rating to its numeric
// value. Unrecognized text maps to the 0 sentinel rather than an error.
func RatingToNumeric(rating string) int {
	switch strings.TrimSpace(rating) {
	case "One":
		return 1
	case "Two":
		return 2
	case "Three":
		return 3
	case "Four":
		return 4
	case "Five":
		return 5
	default:
		return 0
	}
}

// ParseAvailability extracts the stock count from availability text such
// as "In stock (22 available)". Text without a count yields 0.
func ParseAvailability(text string) int {
	match := availabilityRe.FindStringSubmatch(text)
	if match == nil {
		return 0
	}
	count, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return count
}

// CleanText trims and collapses internal whitespace runs to single
// spaces, matching how availability text is stored in the dataset.
func CleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
