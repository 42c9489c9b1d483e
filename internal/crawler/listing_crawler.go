package crawler

import (
	"context"
	"net/url"
	"strconv"

	"sjsage522/carlistingworker/logger"
	"sjsage522/carlistingworker/services/cache"

	"github.com/PuerkitoBio/goquery"
)

// ListingCrawler walks the paginated index and extracts listing summaries
type ListingCrawler struct {
	BaseCrawler
	StartPath string
	MaxPages  int
	Selectors Selectors
	log       *logger.Logger
}

// NewListingCrawler creates a new listing crawler
func NewListingCrawler(config CrawlerConfig, cacheSvc cache.CacheService, gate *RateGate) *ListingCrawler {
	return &ListingCrawler{
		BaseCrawler: newBaseCrawler(config, "crawler", cacheSvc, gate),
		StartPath:   config.StartPath,
		MaxPages:    config.MaxPages,
		Selectors:   config.Selectors,
		log:         logger.ForCrawler(),
	}
}

// Crawl walks index pages until a page yields no new listings, no next-page
// link is found, or MaxPages pages have been fetched. Any fetch or parse
// error aborts the crawl.
func (c *ListingCrawler) Crawl(ctx context.Context) (*CrawlResult, error) {
	state := NewCrawlState(c.StartPath)
	result := &CrawlResult{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := c.Step(ctx, state)
		if err != nil {
			return nil, err
		}
		result.PagesFetched++

		c.log.Info().
			Int("page", page.Page).
			Str("url", page.URL).
			Int("found", page.Found()).
			Int("total", len(state.Listings)).
			Msg("Index page processed")

		if page.Stop == "" && c.MaxPages > 0 && result.PagesFetched >= c.MaxPages {
			page.Stop = StopMaxPages
			c.log.Warn().Int("max_pages", c.MaxPages).Msg("Page ceiling reached, stopping crawl")
		}

		if page.Stop != "" {
			result.StopReason = page.Stop
			break
		}

		state.Advance(page.NextPath)
	}

	result.Listings = state.Listings
	result.LastPage = state.Page

	c.log.Info().
		Int("listings", len(result.Listings)).
		Int("last_page", result.LastPage).
		Str("stop_reason", string(result.StopReason)).
		Msg("Crawl finished")

	return result, nil
}

// Step fetches the current index page of state and processes it
func (c *ListingCrawler) Step(ctx context.Context, state *CrawlState) (PageResult, error) {
	pageURL := c.pageURL(state.Path)

	body, err := c.fetchWithCache(ctx, pageURL)
	if err != nil {
		return PageResult{}, err
	}

	doc, err := c.createDocument(body)
	if err != nil {
		return PageResult{}, err
	}

	return c.ProcessPage(doc, pageURL, state), nil
}

// ProcessPage extracts new listings from doc into state and locates the next
// page link. It does not advance state to the next page.
func (c *ListingCrawler) ProcessPage(doc *goquery.Document, pageURL string, state *CrawlState) PageResult {
	result := PageResult{Page: state.Page, URL: pageURL}

	doc.Find(c.Selectors.Anchor).Each(func(_ int, anchor *goquery.Selection) {
		listing, ok := c.processAnchor(anchor)
		if !ok {
			return
		}
		if _, seen := state.Seen[listing.URL]; seen {
			return
		}
		state.Seen[listing.URL] = struct{}{}
		state.Listings = append(state.Listings, listing)
		result.Emitted = append(result.Emitted, listing)
	})

	if result.Found() == 0 {
		c.log.Info().Int("page", state.Page).Msg("No new listings left, stopping crawl")
		result.Stop = StopEmptyPage
		return result
	}

	next := c.findNextPage(doc, pageURL, state.Page+1)
	if next == "" {
		c.log.Info().Int("page", state.Page).Msg("No next page link, stopping crawl")
		result.Stop = StopNoNextPage
		return result
	}
	result.NextPath = next

	return result
}

// processAnchor turns an anchor into a listing when it carries the title marker
func (c *ListingCrawler) processAnchor(anchor *goquery.Selection) (Listing, bool) {
	titleSel := anchor.Find(c.Selectors.Title).First()
	if titleSel.Length() == 0 {
		return Listing{}, false
	}

	href, _ := anchor.Attr("href")
	link := c.ResolveURL(href)
	if link == "" {
		return Listing{}, false
	}

	return Listing{
		Title:         strippedText(titleSel),
		URL:           link,
		ListPrice:     optionalText(anchor, c.Selectors.ListPrice),
		FinancedPrice: optionalText(anchor, c.Selectors.FinancedPrice),
		Tags:          itemTexts(anchor, c.Selectors.TagList),
	}, true
}

// findNextPage returns the absolute URL of the first link whose page query
// parameter equals want, or "" when there is none
func (c *ListingCrawler) findNextPage(doc *goquery.Document, pageURL string, want int) string {
	current, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}

	var next string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		page, err := strconv.Atoi(ref.Query().Get(c.Selectors.PageParam))
		if err != nil || page != want {
			return true
		}
		next = current.ResolveReference(ref).String()
		return false
	})

	return next
}
