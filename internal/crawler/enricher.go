package crawler

import (
	"context"

	"sjsage522/carlistingworker/logger"
	errs "sjsage522/carlistingworker/pkg/errors"
	"sjsage522/carlistingworker/services/cache"

	"golang.org/x/sync/errgroup"
)

// CheckpointStore persists completed enrichment blocks
type CheckpointStore interface {
	// HasBlock reports whether block k (1-based) is already on disk
	HasBlock(k int) (bool, error)

	// WriteBlock persists block k
	WriteBlock(k int, listings []Listing) error
}

// DetailEnricher fetches each listing's detail page and fills DetailFields
type DetailEnricher struct {
	BaseCrawler
	BlockSize   int
	Workers     int
	Selectors   Selectors
	Checkpoints CheckpointStore
	log         *logger.Logger
}

// NewDetailEnricher creates a new detail enricher
func NewDetailEnricher(config CrawlerConfig, cacheSvc cache.CacheService, gate *RateGate, checkpoints CheckpointStore) *DetailEnricher {
	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}
	blockSize := config.BlockSize
	if blockSize <= 0 {
		blockSize = 1000
	}

	return &DetailEnricher{
		BaseCrawler: newBaseCrawler(config, "enricher", cacheSvc, gate),
		BlockSize:   blockSize,
		Workers:     workers,
		Selectors:   config.Selectors,
		Checkpoints: checkpoints,
		log:         logger.ForEnricher(),
	}
}

// Enrich fills DetailFields of listings in place, block by block. Each
// completed block is written to its checkpoint before the next one starts;
// blocks already on disk are skipped. A failing detail page only degrades
// its own listing. Rate limiting, checkpoint errors and cancellation stop the
// run before the current block is written.
func (e *DetailEnricher) Enrich(ctx context.Context, listings []Listing) (*EnrichReport, error) {
	report := &EnrichReport{Total: len(listings)}

	for start := 0; start < len(listings); start += e.BlockSize {
		end := min(start+e.BlockSize, len(listings))
		k := start/e.BlockSize + 1
		block := listings[start:end]

		exists, err := e.Checkpoints.HasBlock(k)
		if err != nil {
			return report, errs.NewCheckpoint(e.Stage, "check block", err)
		}
		if exists {
			e.log.Info().Int("block", k).Msg("Checkpoint exists, skipping block")
			report.BlocksResumed = append(report.BlocksResumed, k)
			continue
		}

		outcomes, err := e.enrichBlock(ctx, block, start, len(listings))
		if err != nil {
			if errs.IsType(err, errs.ErrorTypeRateLimit) {
				e.log.Warn().Err(err).Int("block", k).Msg("Rate limited, block left for a later resume")
			}
			return report, err
		}

		for _, outcome := range outcomes {
			if outcome.OK() {
				report.Succeeded++
			} else {
				report.Failures = append(report.Failures, outcome)
			}
		}

		if err := e.Checkpoints.WriteBlock(k, block); err != nil {
			return report, errs.NewCheckpoint(e.Stage, "write block", err)
		}
		report.BlocksWritten = append(report.BlocksWritten, k)

		e.log.Info().
			Int("block", k).
			Int("records", len(block)).
			Int("failures", len(report.Failures)).
			Msg("Block checkpointed")
	}

	return report, nil
}

// enrichBlock enriches one block with up to Workers concurrent fetches.
// Results are written by index so the block order never changes. A rate-limit
// response aborts the block, cancelling in-flight fetches, so that it is not
// checkpointed with emptied records.
func (e *DetailEnricher) enrichBlock(ctx context.Context, block []Listing, offset, total int) ([]DetailOutcome, error) {
	outcomes := make([]DetailOutcome, len(block))
	fields := make([][]string, len(block))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.Workers)

	for i := range block {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			idx := offset + i
			e.log.Debug().
				Int("n", idx+1).
				Int("total", total).
				Str("url", block[i].URL).
				Msg("Enriching listing")

			outcome := e.enrichOne(gCtx, idx, block[i].URL)
			if err := gCtx.Err(); err != nil {
				return err
			}
			if errs.IsType(outcome.Err, errs.ErrorTypeRateLimit) {
				return outcome.Err
			}

			fields[i] = outcome.Fields
			outcomes[i] = outcome
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Listings are only touched once the whole block succeeded
	for i := range block {
		block[i].DetailFields = fields[i]
	}

	return outcomes, nil
}

// enrichOne fetches and parses a single detail page. Failures are returned
// inside the outcome with empty fields.
func (e *DetailEnricher) enrichOne(ctx context.Context, idx int, listingURL string) DetailOutcome {
	outcome := DetailOutcome{Index: idx, URL: listingURL, Fields: []string{}}

	body, err := e.fetchWithCache(ctx, listingURL)
	if err != nil {
		outcome.Err = err
		e.log.Warn().Err(err).Str("url", listingURL).Msg("Detail page failed")
		return outcome
	}

	doc, err := e.createDocument(body)
	if err != nil {
		outcome.Err = err
		e.log.Warn().Err(err).Str("url", listingURL).Msg("Detail page failed")
		return outcome
	}

	outcome.Fields = itemTexts(doc.Selection, e.Selectors.DetailList)
	return outcome
}
