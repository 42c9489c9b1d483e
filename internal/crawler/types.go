package crawler

import (
	"time"
)

// Listing represents one scraped vehicle advertisement.
// JSON keys match the checkpoint files written by earlier runs.
type Listing struct {
	Title         string   `json:"titulo"`
	URL           string   `json:"url"`
	ListPrice     *string  `json:"precio_contado"`
	FinancedPrice *string  `json:"precio_financiado"`
	Tags          []string `json:"tags"`
	// DetailFields is nil until enrichment; an empty slice means the detail
	// page yielded nothing or failed.
	DetailFields []string `json:"detalles_ficha"`
}

// Enriched reports whether the enricher has assigned DetailFields
func (l Listing) Enriched() bool {
	return l.DetailFields != nil
}

// Selectors contains CSS selectors for the listing site markup
type Selectors struct {
	// Anchor matches candidate listing anchors on an index page
	Anchor string
	// Title marks an anchor as a listing and holds its heading
	Title         string
	ListPrice     string
	FinancedPrice string
	TagList       string
	// DetailList is the technical data list on a detail page
	DetailList string
	// PageParam is the query parameter carrying the index page number
	PageParam string
}

// DefaultSelectors returns the selectors for autocasion.com
func DefaultSelectors() Selectors {
	return Selectors{
		Anchor:        "a[href]",
		Title:         `h2[itemprop="name"]`,
		ListPrice:     "p.precio:not(.financiado)",
		FinancedPrice: "p.precio.financiado",
		TagList:       "ul",
		DetailList:    "ul.datos-basicos-ficha",
		PageParam:     "page",
	}
}

// CrawlerConfig contains configuration for the crawler and enricher
type CrawlerConfig struct {
	BaseURL   string
	StartPath string
	MaxPages  int
	BlockSize int
	Workers   int
	CacheKey  string
	BlockTime time.Duration
	Selectors Selectors
}

// StopReason explains why a crawl ended
type StopReason string

const (
	// StopEmptyPage means a page produced no new listings
	StopEmptyPage StopReason = "empty_page"
	// StopNoNextPage means no link to the following page was found
	StopNoNextPage StopReason = "no_next_page"
	// StopMaxPages means the page ceiling was reached
	StopMaxPages StopReason = "max_pages"
)

// CrawlState is the state threaded through every pagination step
type CrawlState struct {
	Page     int
	Path     string
	Seen     map[string]struct{}
	Listings []Listing
}

// NewCrawlState creates the state for a crawl starting at path
func NewCrawlState(path string) *CrawlState {
	return &CrawlState{
		Page: 1,
		Path: path,
		Seen: make(map[string]struct{}),
	}
}

// Advance moves the state to the next index page
func (s *CrawlState) Advance(nextPath string) {
	s.Path = nextPath
	s.Page++
}

// PageResult is the outcome of processing one index page
type PageResult struct {
	Page     int
	URL      string
	Emitted  []Listing
	NextPath string
	Stop     StopReason
}

// Found returns the number of listings newly emitted on the page
func (r PageResult) Found() int {
	return len(r.Emitted)
}

// CrawlResult is the outcome of a whole crawl
type CrawlResult struct {
	Listings     []Listing
	LastPage     int
	PagesFetched int
	StopReason   StopReason
}

// DetailOutcome is the enrichment result for one listing
type DetailOutcome struct {
	Index  int
	URL    string
	Fields []string
	Err    error
}

// OK reports whether the detail page was fetched and parsed
func (o DetailOutcome) OK() bool {
	return o.Err == nil
}

// EnrichReport aggregates the outcome of an enrichment run
type EnrichReport struct {
	Total         int
	Succeeded     int
	Failures      []DetailOutcome
	BlocksWritten []int
	BlocksResumed []int
}
