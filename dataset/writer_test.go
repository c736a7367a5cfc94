package dataset

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/aluiziolira/go-books-api/models"
)

func book(seq int64, title, category string) *models.Book {
	return &models.Book{
		Title:        title,
		Price:        10.50,
		Rating:       3,
		Availability: 5,
		Category:     category,
		ImageURL:     "http://example.com/img.jpg",
		Seq:          seq,
		SourceURL:    "http://example.com/" + title,
	}
}

func TestCSVWriterAssignsIDsInSequenceOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}

	// Out-of-order arrival simulates concurrent detail fetches.
	if err := w.Write([]*models.Book{book(3, "Third", "Fiction")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Write([]*models.Book{book(1, "First", "Poetry"), book(2, "Second", "Travel")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want header + 3", len(rows))
	}

	if got := strings.Join(rows[0], ","); got != "id,title,price,rating,avaliability,category,image_url" {
		t.Errorf("header = %q", got)
	}

	wantTitles := []string{"First", "Second", "Third"}
	for i, want := range wantTitles {
		row := rows[i+1]
		if row[0] != strconv.Itoa(i+1) {
			t.Errorf("row %d id = %q, want %d", i+1, row[0], i+1)
		}
		if row[1] != want {
			t.Errorf("row %d title = %q, want %q", i+1, row[1], want)
		}
		if row[2] != "10.50" {
			t.Errorf("row %d price = %q, want 10.50", i+1, row[2])
		}
	}
}

func TestCSVWriterCloseWithoutRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "books.csv")
	if err := os.WriteFile(path, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("Close() with zero records should fail")
	}

	// The existing dataset must survive a failed run.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read existing dataset: %v", err)
	}
	if string(data) != "existing" {
		t.Errorf("existing dataset was clobbered: %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestCSVWriterReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.csv")
	if err := os.WriteFile(path, []byte("old generation"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}
	if err := w.Write([]*models.Book{book(1, "Only", "Fiction")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "id,title,") {
		t.Errorf("dataset not replaced, got %q", data)
	}
}

func TestCSVWriterIdempotentAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	run := func(path string) string {
		t.Helper()
		w, err := NewCSVWriter(path)
		if err != nil {
			t.Fatalf("NewCSVWriter() error = %v", err)
		}
		// Same catalog, different arrival order per run.
		if err := w.Write([]*models.Book{book(2, "B", "Fiction"), book(1, "A", "Poetry")}); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}

	first := run(filepath.Join(dir, "run1.csv"))
	second := run(filepath.Join(dir, "run2.csv"))
	if first != second {
		t.Errorf("runs differ:\n%s\nvs\n%s", first, second)
	}
}

func TestCSVWriterRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}
	if err := w.Write([]*models.Book{book(2, "B", "Fiction"), book(1, "A", "Poetry")}); err != nil {
		t.Fatal(err)
	}

	records := w.Records()
	if len(records) != 2 {
		t.Fatalf("Records() returned %d, want 2", len(records))
	}
	if records[0].Title != "A" || records[0].ID != 1 {
		t.Errorf("first record = %q id %d, want A id 1", records[0].Title, records[0].ID)
	}
	if records[1].Title != "B" || records[1].ID != 2 {
		t.Errorf("second record = %q id %d, want B id 2", records[1].Title, records[1].ID)
	}
}

func TestJSONLWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.jsonl")
	w, err := NewJSONLWriter(path)
	if err != nil {
		t.Fatalf("NewJSONLWriter() error = %v", err)
	}
	if err := w.Write([]*models.Book{book(1, "Only", "Fiction")}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.Contains(line, `"avaliability":5`) {
		t.Errorf("jsonl line missing avaliability field: %s", line)
	}
	if !strings.Contains(line, `"id":1`) {
		t.Errorf("jsonl line missing assigned id: %s", line)
	}
	if strings.Contains(line, "SourceURL") || strings.Contains(line, "source_url") {
		t.Errorf("crawl bookkeeping leaked into jsonl: %s", line)
	}
}

func TestTeeWriter(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "books.csv")
	jsonlPath := filepath.Join(dir, "books.jsonl")

	cw, err := NewCSVWriter(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	jw, err := NewJSONLWriter(jsonlPath)
	if err != nil {
		t.Fatal(err)
	}

	tee := NewTeeWriter(cw, jw)
	if err := tee.Write([]*models.Book{book(1, "Only", "Fiction")}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := tee.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := tee.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, path := range []string{csvPath, jsonlPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing output %s: %v", path, err)
		}
	}
}
