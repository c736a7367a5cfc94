// Package models defines data structures shared across the service.
package models

import "time"

// Book is one normalized record of the catalog dataset.
// JSON field names mirror the persisted CSV columns, including the
// historical "avaliability" spelling kept for compatibility with
// existing consumers of the dataset.
type Book struct {
	ID           int     `json:"id"`
	Title        string  `json:"title"`
	Price        float64 `json:"price"`
	Rating       int     `json:"rating"`
	Availability int     `json:"avaliability"`
	Category     string  `json:"category"`
	ImageURL     string  `json:"image_url"`

	// Crawl bookkeeping, never persisted. Seq is the discovery order of
	// the detail link on the listing pages; final IDs are assigned from
	// it so concurrent fetching still produces deterministic output.
	Seq       int64     `json:"-"`
	SourceURL string    `json:"-"`
	ScrapedAt time.Time `json:"-"`
}

// ScrapeResult holds the overall result of a scraping run.
type ScrapeResult struct {
	StartTime    time.Time
	EndTime      time.Time
	TotalCount   int
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
	RetryCount   int
	RequestCount int
	PageCount    int
}
