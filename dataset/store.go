package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a book id is not present in the dataset.
var ErrNotFound = errors.New("book not found")

// ErrNoDataset is returned when the dataset file does not exist yet.
var ErrNoDataset = errors.New("dataset not available")

// Record is one row of the dataset as served to API consumers.
type Record struct {
	ID           int     `json:"id"`
	Title        string  `json:"title"`
	Price        float64 `json:"price"`
	Rating       int     `json:"rating"`
	Availability int     `json:"avaliability"`
	Category     string  `json:"category"`
	ImageURL     string  `json:"image_url"`
}

// Store serves queries over the CSV dataset. The parsed generation is
// cached and keyed on the file's modtime; Invalidate forces a reload
// on the next query, which scrape completion uses.
type Store struct {
	path string

	mu  sync.RWMutex
	gen *generation
}

type generation struct {
	modTime    time.Time
	records    []*Record
	byID       map[int]*Record
	byCategory map[string][]*Record
	categories []string
}

// NewStore builds a store reading from path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the dataset file location.
func (s *Store) Path() string {
	return s.path
}

// All returns every record in dataset order.
func (s *Store) All() ([]*Record, error) {
	gen, err := s.current()
	if err != nil {
		return nil, err
	}
	return gen.records, nil
}

// Get returns the record with the given id.
func (s *Store) Get(id int) (*Record, error) {
	gen, err := s.current()
	if err != nil {
		return nil, err
	}
	record, ok := gen.byID[id]
	if !ok {
		return nil, fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	return record, nil
}

// Search filters by title substring and category, both case-insensitive.
// Title matches anywhere in the title; category must match exactly.
// Empty arguments do not constrain. Results preserve dataset order; no
// match yields an empty slice, not an error.
func (s *Store) Search(title, category string) ([]*Record, error) {
	gen, err := s.current()
	if err != nil {
		return nil, err
	}

	candidates := gen.records
	if category != "" {
		candidates = gen.byCategory[strings.ToLower(category)]
	}

	titleNeedle := strings.ToLower(strings.TrimSpace(title))
	out := make([]*Record, 0, len(candidates))
	for _, record := range candidates {
		if titleNeedle != "" && !strings.Contains(strings.ToLower(record.Title), titleNeedle) {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// Categories returns the distinct category names, sorted.
func (s *Store) Categories() ([]string, error) {
	gen, err := s.current()
	if err != nil {
		return nil, err
	}
	return gen.categories, nil
}

// Len returns the number of records in the current generation.
func (s *Store) Len() (int, error) {
	gen, err := s.current()
	if err != nil {
		return 0, err
	}
	return len(gen.records), nil
}

// Ping reports whether the dataset is currently readable.
func (s *Store) Ping() error {
	_, err := s.current()
	return err
}

// Invalidate drops the cached generation.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.gen = nil
	s.mu.Unlock()
}

func (s *Store) current() (*generation, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", s.path, ErrNoDataset)
		}
		return nil, fmt.Errorf("stat dataset: %w", err)
	}

	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()
	if gen != nil && gen.modTime.Equal(info.ModTime()) {
		return gen, nil
	}

	loaded, err := load(s.path, info.ModTime())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// A concurrent loader may have won; prefer the newer generation.
	if s.gen == nil || loaded.modTime.After(s.gen.modTime) || loaded.modTime.Equal(s.gen.modTime) {
		s.gen = loaded
	}
	gen = s.gen
	s.mu.Unlock()
	return gen, nil
}

func load(path string, modTime time.Time) (*generation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read dataset header: %w", err)
	}
	if len(header) != len(Header) {
		return nil, fmt.Errorf("dataset header has %d columns, want %d", len(header), len(Header))
	}

	gen := &generation{
		modTime:    modTime,
		byID:       make(map[int]*Record),
		byCategory: make(map[string][]*Record),
	}

	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset row: %w", err)
		}

		record, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}

		gen.records = append(gen.records, record)
		gen.byID[record.ID] = record
		key := strings.ToLower(record.Category)
		gen.byCategory[key] = append(gen.byCategory[key], record)
	}

	seen := make(map[string]struct{})
	for _, record := range gen.records {
		if _, ok := seen[record.Category]; ok {
			continue
		}
		seen[record.Category] = struct{}{}
		gen.categories = append(gen.categories, record.Category)
	}
	sort.Strings(gen.categories)

	return gen, nil
}

func parseRow(row []string) (*Record, error) {
	if len(row) != len(Header) {
		return nil, fmt.Errorf("row has %d columns, want %d", len(row), len(Header))
	}

	id, err := strconv.Atoi(row[0])
	if err != nil {
		return nil, fmt.Errorf("parse id %q: %w", row[0], err)
	}
	price, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", row[2], err)
	}
	rating, err := strconv.Atoi(row[3])
	if err != nil {
		return nil, fmt.Errorf("parse rating %q: %w", row[3], err)
	}
	availability, err := strconv.Atoi(row[4])
	if err != nil {
		return nil, fmt.Errorf("parse availability %q: %w", row[4], err)
	}

	return &Record{
		ID:           id,
		Title:        row[1],
		Price:        price,
		Rating:       rating,
		Availability: availability,
		Category:     row[5],
		ImageURL:     row[6],
	}, nil
}
