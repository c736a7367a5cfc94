// Package ml exposes the catalog as feature and training rows and
// serves a deterministic rating prediction stub.
package ml

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/aluiziolira/go-books-api/dataset"
)

// FeatureRow is one book in feature form.
type FeatureRow struct {
	ID           int     `json:"id"`
	Price        float64 `json:"price"`
	Availability int     `json:"avaliability"`
	Category     string  `json:"category"`
	TitleLength  int     `json:"title_length"`
}

// TrainingRow pairs features with the rating label.
type TrainingRow struct {
	Price        float64 `json:"price"`
	Availability int     `json:"avaliability"`
	TitleLength  int     `json:"title_length"`
	Rating       int     `json:"rating"`
}

// PredictionInput is the request body for the prediction endpoint.
type PredictionInput struct {
	Title        string  `json:"title"`
	Price        float64 `json:"price"`
	Availability int     `json:"avaliability"`
}

// Validate checks the input ranges.
func (in *PredictionInput) Validate() error {
	if in.Title == "" {
		return fmt.Errorf("title is required")
	}
	if in.Price < 0 {
		return fmt.Errorf("price must be non-negative")
	}
	if in.Availability < 0 {
		return fmt.Errorf("avaliability must be non-negative")
	}
	return nil
}

// Features maps records to feature rows. Title length counts runes,
// not bytes, so accented titles are measured the same way everywhere.
func Features(records []*dataset.Record) []FeatureRow {
	out := make([]FeatureRow, 0, len(records))
	for _, record := range records {
		out = append(out, FeatureRow{
			ID:           record.ID,
			Price:        record.Price,
			Availability: record.Availability,
			Category:     record.Category,
			TitleLength:  utf8.RuneCountInString(record.Title),
		})
	}
	return out
}

// TrainingData maps records to labeled training rows.
func TrainingData(records []*dataset.Record) []TrainingRow {
	out := make([]TrainingRow, 0, len(records))
	for _, record := range records {
		out = append(out, TrainingRow{
			Price:        record.Price,
			Availability: record.Availability,
			TitleLength:  utf8.RuneCountInString(record.Title),
			Rating:       record.Rating,
		})
	}
	return out
}

// Predict applies the fixed linear formula, clamps to the rating scale,
// and rounds to two decimals.
func Predict(in PredictionInput) float64 {
	score := 3.0 + 0.05*in.Price + 0.01*float64(utf8.RuneCountInString(in.Title)) - 0.01*float64(in.Availability)
	if score < 1 {
		score = 1
	}
	if score > 5 {
		score = 5
	}
	return math.Round(score*100) / 100
}
