// Package dataset owns the on-disk book catalog: writers that produce
// it atomically and a store that serves queries from it.
package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/aluiziolira/go-books-api/models"
)

// Header is the CSV column layout. The "avaliability" spelling is part
// of the dataset contract; consumers key on it.
var Header = []string{"id", "title", "price", "rating", "avaliability", "category", "image_url"}

// CSVWriter accumulates records and materializes the dataset on Close.
// Records are sorted by discovery sequence and numbered 1..N, so two
// runs over the same catalog produce identical files. The target file
// is swapped in with a rename so readers never observe a partial
// dataset.
type CSVWriter struct {
	path string

	mu     sync.Mutex
	books  []*models.Book
	closed bool
}

// NewCSVWriter prepares a writer targeting path.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return &CSVWriter{path: path}, nil
}

// Write buffers books for the final dataset.
func (cw *CSVWriter) Write(books []*models.Book) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.closed {
		return fmt.Errorf("csv writer already closed")
	}
	cw.books = append(cw.books, books...)
	return nil
}

// Records returns the buffered books in final (sequence) order with
// their identifiers assigned.
func (cw *CSVWriter) Records() []*models.Book {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return finalize(cw.books)
}

// Close sorts, numbers, and atomically writes the dataset. Closing
// with zero records is an error and leaves any existing file intact.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.closed {
		return nil
	}
	cw.closed = true

	books := finalize(cw.books)
	if len(books) == 0 {
		return fmt.Errorf("no records to write to %s", cw.path)
	}

	return atomicWrite(cw.path, func(f *os.File) error {
		writer := csv.NewWriter(f)
		if err := writer.Write(Header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for _, book := range books {
			record := []string{
				strconv.Itoa(book.ID),
				book.Title,
				strconv.FormatFloat(book.Price, 'f', 2, 64),
				strconv.Itoa(book.Rating),
				strconv.Itoa(book.Availability),
				book.Category,
				book.ImageURL,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("write csv record: %w", err)
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return fmt.Errorf("flush csv records: %w", err)
		}
		return nil
	})
}

// Validate ensures records have been buffered.
func (cw *CSVWriter) Validate() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if len(cw.books) == 0 {
		return fmt.Errorf("csv dataset is empty")
	}
	return nil
}

// JSONLWriter materializes the dataset as newline-delimited JSON with
// the same ordering and numbering semantics as the CSV writer.
type JSONLWriter struct {
	path string

	mu     sync.Mutex
	books  []*models.Book
	closed bool
}

// NewJSONLWriter prepares a writer targeting path.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return &JSONLWriter{path: path}, nil
}

// Write buffers books for the final dataset.
func (jw *JSONLWriter) Write(books []*models.Book) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return fmt.Errorf("jsonl writer already closed")
	}
	jw.books = append(jw.books, books...)
	return nil
}

// Close sorts, numbers, and atomically writes the dataset.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return nil
	}
	jw.closed = true

	books := finalize(jw.books)
	if len(books) == 0 {
		return fmt.Errorf("no records to write to %s", jw.path)
	}

	return atomicWrite(jw.path, func(f *os.File) error {
		buffer := bufio.NewWriter(f)
		encoder := json.NewEncoder(buffer)
		for _, book := range books {
			if err := encoder.Encode(book); err != nil {
				return fmt.Errorf("encode jsonl record: %w", err)
			}
		}
		if err := buffer.Flush(); err != nil {
			return fmt.Errorf("flush jsonl records: %w", err)
		}
		return nil
	})
}

// Validate ensures records have been buffered.
func (jw *JSONLWriter) Validate() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if len(jw.books) == 0 {
		return fmt.Errorf("jsonl dataset is empty")
	}
	return nil
}

// TeeWriter fans writes out to several writers, for dual-format runs.
type TeeWriter struct {
	writers []Writer
}

// Writer is the subset of pipeline.OutputWriter the dataset package
// implements; declared locally to avoid an import cycle.
type Writer interface {
	Write(books []*models.Book) error
	Close() error
	Validate() error
}

// NewTeeWriter combines writers into one.
func NewTeeWriter(writers ...Writer) *TeeWriter {
	return &TeeWriter{writers: writers}
}

// Write forwards books to every underlying writer.
func (tw *TeeWriter) Write(books []*models.Book) error {
	for _, w := range tw.writers {
		if err := w.Write(books); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every writer, returning the first error.
func (tw *TeeWriter) Close() error {
	var firstErr error
	for _, w := range tw.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Validate validates every writer.
func (tw *TeeWriter) Validate() error {
	for _, w := range tw.writers {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// finalize orders books by crawl sequence and assigns 1-based IDs.
func finalize(books []*models.Book) []*models.Book {
	out := make([]*models.Book, len(books))
	copy(out, books)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	for i, book := range out {
		book.ID = i + 1
	}
	return out
}

// atomicWrite writes through a temp file in the target directory and
// renames it over path after a successful fsync.
func atomicWrite(path string, fill func(*os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp dataset: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp dataset: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace dataset: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
