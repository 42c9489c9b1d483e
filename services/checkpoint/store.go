package checkpoint

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"sjsage522/carlistingworker/internal/crawler"
)

// blockFilePattern matches checkpoint block file names and captures the index
var blockFilePattern = regexp.MustCompile(`^bloque_(\d+)\.json$`)

// Block identifies one checkpoint block file on disk
type Block struct {
	Index int
	Path  string
}

// Store reads and writes the raw dump and checkpoint block files of a run
type Store struct {
	dir     string
	rawFile string
}

// NewStore creates a store rooted at dir, creating the directory if needed
func NewStore(dir, rawFile string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir %q: %w", dir, err)
	}
	return &Store{dir: dir, rawFile: rawFile}, nil
}

// Dir returns the directory holding the files
func (s *Store) Dir() string {
	return s.dir
}

// BlockPath returns the path of block k
func (s *Store) BlockPath(k int) string {
	return filepath.Join(s.dir, fmt.Sprintf("bloque_%d.json", k))
}

// RawPath returns the path of the raw pre-enrichment dump
func (s *Store) RawPath() string {
	return filepath.Join(s.dir, s.rawFile)
}

// HasBlock reports whether block k is already on disk
func (s *Store) HasBlock(k int) (bool, error) {
	return exists(s.BlockPath(k))
}

// WriteBlock persists block k. The file appears atomically so an
// interrupted write never leaves a partial checkpoint behind.
func (s *Store) WriteBlock(k int, listings []crawler.Listing) error {
	return writeJSON(s.BlockPath(k), listings)
}

// HasRaw reports whether the raw dump exists
func (s *Store) HasRaw() (bool, error) {
	return exists(s.RawPath())
}

// WriteRaw writes every crawled listing before enrichment
func (s *Store) WriteRaw(listings []crawler.Listing) error {
	return writeJSON(s.RawPath(), listings)
}

// ReadRaw reads the raw dump back
func (s *Store) ReadRaw() ([]crawler.Listing, error) {
	return ReadListings(s.RawPath())
}

// ListBlocks returns the block files in the store ordered by numeric index
func (s *Store) ListBlocks() ([]Block, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read dir %q: %w", s.dir, err)
	}

	var blocks []Block
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := blockFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		index, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		blocks = append(blocks, Block{Index: index, Path: filepath.Join(s.dir, entry.Name())})
	}

	slices.SortFunc(blocks, func(a, b Block) int {
		return cmp.Compare(a.Index, b.Index)
	})

	return blocks, nil
}

// ClearBlocks removes every block file so a new listing collection starts
// from block 1. It returns the number of files removed.
func (s *Store) ClearBlocks() (int, error) {
	blocks, err := s.ListBlocks()
	if err != nil {
		return 0, err
	}
	for i, block := range blocks {
		if err := os.Remove(block.Path); err != nil && !os.IsNotExist(err) {
			return i, fmt.Errorf("checkpoint: remove %q: %w", block.Path, err)
		}
	}
	return len(blocks), nil
}

// ReadListings decodes a JSON array of listings from path
func ReadListings(path string) ([]crawler.Listing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %q: %w", path, err)
	}
	defer f.Close()

	return decodeListings(f, path)
}

func decodeListings(r io.Reader, name string) ([]crawler.Listing, error) {
	var listings []crawler.Listing
	if err := json.NewDecoder(r).Decode(&listings); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %q: %w", name, err)
	}
	return listings, nil
}

func writeJSON(path string, listings []crawler.Listing) error {
	if listings == nil {
		listings = []crawler.Listing{}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp for %q: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(listings); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: encode %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close %q: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: rename to %q: %w", path, err)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
