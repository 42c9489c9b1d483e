package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"sjsage522/carlistingworker/config"
	"sjsage522/carlistingworker/internal/crawler"
	"sjsage522/carlistingworker/internal/merge"
	"sjsage522/carlistingworker/logger"
	errs "sjsage522/carlistingworker/pkg/errors"
	"sjsage522/carlistingworker/services/cache"
	"sjsage522/carlistingworker/services/checkpoint"
	"sjsage522/carlistingworker/services/publisher"
)

// rateLimitKey is the cache key holding the site's rate-limit block
const rateLimitKey = "autocasion_rate_limited"

// publishKey is the stream field every listing message is stored under
const publishKey = "listing"

// ListingStore persists merged listings
type ListingStore interface {
	Write(ctx context.Context, listings []crawler.Listing) error
}

// Summary reports what one pipeline run did
type Summary struct {
	Crawl           *crawler.CrawlResult
	ReusedRaw       bool
	Enrich          *crawler.EnrichReport
	Merge           *merge.Report
	Stored          int
	Published       int
	PublishFailures int
	Elapsed         time.Duration
}

// Runner runs crawl, enrichment, merge and the optional sinks in order
type Runner struct {
	cfg         *config.Config
	crawler     *crawler.ListingCrawler
	enricher    *crawler.DetailEnricher
	checkpoints *checkpoint.Store
	merger      *merge.Merger
	store       ListingStore
	publisher   publisher.Publisher
	log         *logger.Logger
}

// NewRunner wires the pipeline. cacheSvc, store and pub may be nil to
// disable the rate-limit block, the relational export and publishing.
func NewRunner(
	cfg *config.Config,
	cacheSvc cache.CacheService,
	store ListingStore,
	pub publisher.Publisher,
) (*Runner, error) {
	checkpoints, err := checkpoint.NewStore(cfg.OutputDir, cfg.RawFile)
	if err != nil {
		return nil, err
	}

	crawlerConfig := crawler.CrawlerConfig{
		BaseURL:   cfg.BaseURL,
		StartPath: cfg.StartPath,
		MaxPages:  cfg.MaxPages,
		BlockSize: cfg.BlockSize,
		Workers:   cfg.EnrichWorkers,
		CacheKey:  rateLimitKey,
		BlockTime: cfg.RateLimitBlock,
		Selectors: crawler.DefaultSelectors(),
	}

	// One gate for every request of the run
	gate := crawler.NewRateGate(cfg.RequestDelay)

	return &Runner{
		cfg:         cfg,
		crawler:     crawler.NewListingCrawler(crawlerConfig, cacheSvc, gate),
		enricher:    crawler.NewDetailEnricher(crawlerConfig, cacheSvc, gate, checkpoints),
		checkpoints: checkpoints,
		merger:      merge.NewMerger(checkpoints, cfg.DuplicatePolicy, filepath.Join(cfg.OutputDir, cfg.MergedFile)),
		store:       store,
		publisher:   pub,
		log:         logger.ForPipeline(),
	}, nil
}

// Run executes the whole pipeline once
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	listings, err := r.collect(ctx, summary)
	if err != nil {
		return summary, err
	}

	summary.Enrich, err = r.enricher.Enrich(ctx, listings)
	if err != nil {
		return summary, err
	}
	r.log.Info().
		Int("total", summary.Enrich.Total).
		Int("succeeded", summary.Enrich.Succeeded).
		Int("failed", len(summary.Enrich.Failures)).
		Ints("resumed_blocks", summary.Enrich.BlocksResumed).
		Msg("Enrichment finished")

	merged, report, err := r.merger.Run(ctx)
	if err != nil {
		return summary, err
	}
	summary.Merge = report

	if r.store != nil {
		if err := r.store.Write(ctx, merged); err != nil {
			return summary, err
		}
		summary.Stored = len(merged)
	}

	if r.publisher != nil {
		r.publish(merged, summary)
	}

	summary.Elapsed = time.Since(start)
	r.log.Info().
		Int("rows", report.Written).
		Str("output", report.OutputPath).
		Dur("elapsed", summary.Elapsed).
		Msg("Pipeline finished")

	return summary, nil
}

// collect returns the listing summaries, crawling unless a reusable raw
// dump exists. Existing blocks are only resumed together with the raw dump
// they were enriched from; a fresh crawl discards them and is dumped before
// enrichment starts.
func (r *Runner) collect(ctx context.Context, summary *Summary) ([]crawler.Listing, error) {
	if r.cfg.ReuseRaw {
		exists, err := r.checkpoints.HasRaw()
		if err != nil {
			return nil, errs.NewCheckpoint("pipeline", "check raw dump", err)
		}
		if exists {
			listings, err := r.checkpoints.ReadRaw()
			if err != nil {
				return nil, err
			}
			summary.ReusedRaw = true
			r.log.Info().
				Int("listings", len(listings)).
				Str("path", r.checkpoints.RawPath()).
				Msg("Reusing raw dump, crawl skipped")
			return listings, nil
		}
	}

	result, err := r.crawler.Crawl(ctx)
	if err != nil {
		return nil, err
	}
	summary.Crawl = result

	// Blocks on disk belong to the previous collection; a fresh crawl
	// starts numbering again from block 1
	removed, err := r.checkpoints.ClearBlocks()
	if err != nil {
		return nil, errs.NewCheckpoint("pipeline", "clear stale blocks", err)
	}
	if removed > 0 {
		r.log.Info().Int("blocks", removed).Msg("Removed checkpoint blocks of the previous crawl")
	}

	if err := r.checkpoints.WriteRaw(result.Listings); err != nil {
		return nil, errs.NewCheckpoint("pipeline", "write raw dump", err)
	}
	r.log.Info().
		Int("listings", len(result.Listings)).
		Str("path", r.checkpoints.RawPath()).
		Msg("Raw dump written")

	return result.Listings, nil
}

// publish sends every merged listing to the publisher and trims the streams.
// Failures are logged and counted; they never fail the run.
func (r *Runner) publish(listings []crawler.Listing, summary *Summary) {
	for i, listing := range listings {
		data, err := json.Marshal(listing)
		if err != nil {
			logger.LogError("publisher", err, "encode listing %s", listing.URL)
			summary.PublishFailures++
			continue
		}

		if err := r.publisher.Publish(publishKey, data); err != nil {
			logger.LogError("publisher", err, "publish listing %s", listing.URL)
			summary.PublishFailures++
			continue
		}
		summary.Published++

		if i == 0 && r.cfg.Environment != "production" {
			r.log.Debug().RawJSON("listing", data).Msg("First published listing")
		}
	}

	// Trim all streams after publishing
	if err := r.publisher.TrimStreams(); err != nil {
		logger.LogError("publisher", err, "trim streams")
	}

	logger.ForPublisher().Info().
		Int("published", summary.Published).
		Int("failed", summary.PublishFailures).
		Msg("Listings published")
}
