package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const fixtureCSV = `id,title,price,rating,avaliability,category,image_url
1,A Light in the Attic,51.77,3,22,Poetry,http://example.com/a.jpg
2,Tipping the Velvet,53.74,1,20,Historical Fiction,http://example.com/b.jpg
3,It's Only the Himalayas,45.17,2,19,Travel,http://example.com/c.jpg
4,Full Moon over Noah's Ark,49.43,4,15,Travel,http://example.com/d.jpg
`

func fixtureStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "books.csv")
	if err := os.WriteFile(path, []byte(fixtureCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewStore(path)
}

func TestStoreAll(t *testing.T) {
	s := fixtureStore(t)

	records, err := s.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("All() returned %d records, want 4", len(records))
	}
	if records[0].Title != "A Light in the Attic" {
		t.Errorf("first title = %q", records[0].Title)
	}
	if records[0].Price != 51.77 {
		t.Errorf("first price = %v, want 51.77", records[0].Price)
	}
	if records[1].Availability != 20 {
		t.Errorf("second availability = %d, want 20", records[1].Availability)
	}
}

func TestStoreGet(t *testing.T) {
	s := fixtureStore(t)

	record, err := s.Get(2)
	if err != nil {
		t.Fatalf("Get(2) error = %v", err)
	}
	if record.Title != "Tipping the Velvet" {
		t.Errorf("Get(2) title = %q", record.Title)
	}

	if _, err := s.Get(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(999) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(0) error = %v, want ErrNotFound", err)
	}
}

func TestStoreSearch(t *testing.T) {
	s := fixtureStore(t)

	tests := []struct {
		name     string
		title    string
		category string
		wantIDs  []int
	}{
		{
			name:     "category lowercase",
			category: "travel",
			wantIDs:  []int{3, 4},
		},
		{
			name:     "category canonical case",
			category: "Travel",
			wantIDs:  []int{3, 4},
		},
		{
			name:    "title substring case-insensitive",
			title:   "moon",
			wantIDs: []int{4},
		},
		{
			name:     "title and category combined",
			title:    "himalayas",
			category: "TRAVEL",
			wantIDs:  []int{3},
		},
		{
			name:    "no match yields empty not error",
			title:   "zzzz",
			wantIDs: []int{},
		},
		{
			name:     "category is exact not substring",
			category: "Trav",
			wantIDs:  []int{},
		},
		{
			name:    "no filters returns all",
			wantIDs: []int{1, 2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := s.Search(tt.title, tt.category)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(records) != len(tt.wantIDs) {
				t.Fatalf("Search() returned %d records, want %d", len(records), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if records[i].ID != want {
					t.Errorf("result[%d].ID = %d, want %d", i, records[i].ID, want)
				}
			}
		})
	}
}

func TestStoreCategories(t *testing.T) {
	s := fixtureStore(t)

	categories, err := s.Categories()
	if err != nil {
		t.Fatalf("Categories() error = %v", err)
	}
	want := []string{"Historical Fiction", "Poetry", "Travel"}
	if len(categories) != len(want) {
		t.Fatalf("Categories() = %v, want %v", categories, want)
	}
	for i := range want {
		if categories[i] != want[i] {
			t.Errorf("Categories()[%d] = %q, want %q", i, categories[i], want[i])
		}
	}
}

func TestStoreMissingDataset(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.csv"))

	if _, err := s.All(); !errors.Is(err, ErrNoDataset) {
		t.Errorf("All() error = %v, want ErrNoDataset", err)
	}
	if err := s.Ping(); !errors.Is(err, ErrNoDataset) {
		t.Errorf("Ping() error = %v, want ErrNoDataset", err)
	}
}

func TestStoreReloadsAfterInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.csv")
	if err := os.WriteFile(path, []byte(fixtureCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)

	n, err := s.Len()
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if n != 4 {
		t.Fatalf("Len() = %d, want 4", n)
	}

	smaller := `id,title,price,rating,avaliability,category,image_url
1,Lone Record,9.99,5,1,Fiction,
`
	if err := os.WriteFile(path, []byte(smaller), 0o644); err != nil {
		t.Fatal(err)
	}
	// Same-second rewrites can leave the modtime unchanged; force it
	// forward so the cache key differs, then drop the cache too.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	s.Invalidate()

	n, err = s.Len()
	if err != nil {
		t.Fatalf("Len() after reload error = %v", err)
	}
	if n != 1 {
		t.Errorf("Len() after reload = %d, want 1", n)
	}

	record, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get(1) after reload error = %v", err)
	}
	if record.Title != "Lone Record" {
		t.Errorf("reloaded title = %q", record.Title)
	}
}

func TestStoreRejectsMalformedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.csv")
	bad := `id,title,price,rating,avaliability,category,image_url
not-a-number,Broken,1.00,1,0,Fiction,
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path)
	if _, err := s.All(); err == nil {
		t.Error("All() on malformed dataset should fail")
	}
}
