package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sjsage522/carlistingworker/internal/crawler"
)

// CSVHeader is the column order of the merged output
var CSVHeader = []string{"titulo", "url", "precio_contado", "precio_financiado", "tags", "detalles_ficha"}

// CSVWriter writes merged listings to a CSV file, one row per listing.
// It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter creates (or truncates) the CSV file at the given path and
// writes the header row. Intermediate directories are created automatically.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(CSVHeader); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}

	return &CSVWriter{file: f, writer: w}, nil
}

// Write appends one row per listing. Missing prices become empty cells and
// list columns hold a JSON array.
func (c *CSVWriter) Write(listings []crawler.Listing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range listings {
		tags, err := encodeList(l.Tags, true)
		if err != nil {
			return fmt.Errorf("csv: encode tags of %s: %w", l.URL, err)
		}
		details, err := encodeList(l.DetailFields, l.Enriched())
		if err != nil {
			return fmt.Errorf("csv: encode details of %s: %w", l.URL, err)
		}

		row := []string{
			l.Title,
			l.URL,
			deref(l.ListPrice),
			deref(l.FinancedPrice),
			tags,
			details,
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		_ = c.file.Close()
		return err
	}
	return c.file.Close()
}

// WriteCSV writes listings to a fresh CSV file at path
func WriteCSV(path string, listings []crawler.Listing) error {
	w, err := NewCSVWriter(path)
	if err != nil {
		return err
	}
	if err := w.Write(listings); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// encodeList renders items as a JSON array. When present is false the
// cell is left empty.
func encodeList(items []string, present bool) (string, error) {
	if !present {
		return "", nil
	}
	if items == nil {
		items = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
