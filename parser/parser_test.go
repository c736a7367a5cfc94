package parser

import (
	"testing"

	"github.com/aluiziolira/go-books-api/models"
)

func TestValidateBook(t *testing.T) {
	tests := []struct {
		name    string
		book    *models.Book
		wantErr bool
	}{
		{
			name: "valid book",
			book: &models.Book{
				Title:        "Test Book",
				Price:        10.00,
				Rating:       5,
				Availability: 22,
				Category:     "Travel",
				SourceURL:    "http://example.com",
			},
			wantErr: false,
		},
		{
			name: "missing title",
			book: &models.Book{
				Title:    "",
				Price:    10.00,
				Rating:   5,
				Category: "Travel",
			},
			wantErr: true,
		},
		{
			name: "missing category",
			book: &models.Book{
				Title:  "Test Book",
				Price:  10.00,
				Rating: 5,
			},
			wantErr: true,
		},
		{
			name: "rating sentinel",
			book: &models.Book{
				Title:    "Test Book",
				Price:    10.00,
				Rating:   0,
				Category: "Travel",
			},
			wantErr: true,
		},
		{
			name: "rating out of range",
			book: &models.Book{
				Title:    "Test Book",
				Price:    10.00,
				Rating:   6,
				Category: "Travel",
			},
			wantErr: true,
		},
		{
			name: "negative price",
			book: &models.Book{
				Title:    "Test Book",
				Price:    -1.50,
				Rating:   3,
				Category: "Travel",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBook(tt.book)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBook() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected float64
		wantErr  bool
	}{
		{
			name:     "with currency symbol",
			input:    "£51.77",
			expected: 51.77,
		},
		{
			name:     "mojibake currency symbol",
			input:    "Â£51.77",
			expected: 51.77,
		},
		{
			name:     "with whitespace",
			input:    "  £10.50  ",
			expected: 10.50,
		},
		{
			name:     "already clean",
			input:    "25.99",
			expected: 25.99,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "not a number",
			input:   "£abc",
			wantErr: true,
		},
		{
			name:    "negative",
			input:   "-3.50",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := NormalizePrice(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizePrice(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && result != tt.expected {
				t.Errorf("NormalizePrice(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRatingToNumeric(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{name: "One", input: "One", expected: 1},
		{name: "Two", input: "Two", expected: 2},
		{name: "Three", input: "Three", expected: 3},
		{name: "Four", input: "Four", expected: 4},
		{name: "Five", input: "Five", expected: 5},
		{name: "invalid rating", input: "Invalid", expected: 0},
		{name: "empty string", input: "", expected: 0},
		{name: "lowercase", input: "three", expected: 0},
		{name: "surrounding whitespace", input: " Four ", expected: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RatingToNumeric(tt.input)
			if result != tt.expected {
				t.Errorf("RatingToNumeric(%q) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseAvailability(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{
			name:     "with count",
			input:    "In stock (22 available)",
			expected: 22,
		},
		{
			name:     "with surrounding noise",
			input:    "\n\n    In stock (3 available)\n    ",
			expected: 3,
		},
		{
			name:     "no count",
			input:    "In stock",
			expected: 0,
		},
		{
			name:     "out of stock",
			input:    "Out of stock",
			expected: 0,
		},
		{
			name:     "empty string",
			input:    "",
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseAvailability(tt.input)
			if result != tt.expected {
				t.Errorf("ParseAvailability(%q) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "collapses runs",
			input:    "  In stock\n\t (22 available)  ",
			expected: "In stock (22 available)",
		},
		{
			name:     "already clean",
			input:    "In stock",
			expected: "In stock",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := CleanText(tt.input); result != tt.expected {
				t.Errorf("CleanText(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
