package merge

import (
	"context"
	"fmt"

	"sjsage522/carlistingworker/config"
	"sjsage522/carlistingworker/internal/crawler"
	"sjsage522/carlistingworker/logger"
	errs "sjsage522/carlistingworker/pkg/errors"
	"sjsage522/carlistingworker/services/checkpoint"
	"sjsage522/carlistingworker/services/export"
)

// BlockSource lists checkpoint blocks in numeric order
type BlockSource interface {
	ListBlocks() ([]checkpoint.Block, error)
}

// Report summarizes a merge
type Report struct {
	Blocks     int
	Rows       int
	Duplicates []string
	Removed    int
	Written    int
	OutputPath string
}

// Merger concatenates checkpoint blocks, validates URL uniqueness and writes
// the merged CSV
type Merger struct {
	Source     BlockSource
	Policy     string
	OutputPath string
	log        *logger.Logger
}

// NewMerger creates a merger. policy is one of the config.DuplicatePolicy values.
func NewMerger(source BlockSource, policy, outputPath string) *Merger {
	return &Merger{
		Source:     source,
		Policy:     policy,
		OutputPath: outputPath,
		log:        logger.ForMerge(),
	}
}

// Run reads every block, applies the duplicate policy and writes the CSV.
// It returns the listings that were written.
func (m *Merger) Run(ctx context.Context) ([]crawler.Listing, *Report, error) {
	listings, blocks, err := m.Load(ctx)
	if err != nil {
		return nil, nil, err
	}

	report := &Report{Blocks: blocks, Rows: len(listings), OutputPath: m.OutputPath}

	report.Duplicates = FindDuplicates(listings)
	if len(report.Duplicates) == 0 {
		m.log.Info().Int("rows", len(listings)).Msg("Validation passed: all URLs are unique")
	} else {
		m.log.Warn().
			Int("duplicates", len(report.Duplicates)).
			Strs("urls", head(report.Duplicates, 10)).
			Str("policy", m.Policy).
			Msg("Duplicate URLs detected in merged output")

		switch m.Policy {
		case config.DuplicatePolicyFail:
			return nil, report, errs.NewValidation("merge",
				fmt.Sprintf("%d duplicate URLs across checkpoint blocks", len(report.Duplicates)))
		case config.DuplicatePolicyDedup:
			deduped := Dedup(listings)
			report.Removed = len(listings) - len(deduped)
			listings = deduped
		}
	}

	if err := export.WriteCSV(m.OutputPath, listings); err != nil {
		return nil, report, errs.NewCheckpoint("merge", "write merged CSV", err)
	}
	report.Written = len(listings)

	m.log.Info().
		Int("blocks", report.Blocks).
		Int("rows", report.Written).
		Int("removed", report.Removed).
		Str("path", m.OutputPath).
		Msg("Merged output written")

	return listings, report, nil
}

// Load concatenates all checkpoint blocks in numeric block order
func (m *Merger) Load(ctx context.Context) ([]crawler.Listing, int, error) {
	blocks, err := m.Source.ListBlocks()
	if err != nil {
		return nil, 0, errs.NewCheckpoint("merge", "list blocks", err)
	}

	var merged []crawler.Listing
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		listings, err := checkpoint.ReadListings(block.Path)
		if err != nil {
			return nil, 0, errs.NewCheckpoint("merge", fmt.Sprintf("read block %d", block.Index), err)
		}
		m.log.Debug().Int("block", block.Index).Int("records", len(listings)).Msg("Block loaded")
		merged = append(merged, listings...)
	}

	return merged, len(blocks), nil
}

// FindDuplicates returns every URL that occurs more than once, in order of
// first repetition
func FindDuplicates(listings []crawler.Listing) []string {
	seen := make(map[string]int, len(listings))
	var dups []string
	for _, l := range listings {
		seen[l.URL]++
		if seen[l.URL] == 2 {
			dups = append(dups, l.URL)
		}
	}
	return dups
}

// Dedup keeps the first listing for every URL
func Dedup(listings []crawler.Listing) []crawler.Listing {
	seen := make(map[string]struct{}, len(listings))
	result := make([]crawler.Listing, 0, len(listings))
	for _, l := range listings {
		if _, dup := seen[l.URL]; dup {
			continue
		}
		seen[l.URL] = struct{}{}
		result = append(result, l)
	}
	return result
}

func head(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
