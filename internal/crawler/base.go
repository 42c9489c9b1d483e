package crawler

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"sjsage522/carlistingworker/helpers"
	"sjsage522/carlistingworker/logger"
	errs "sjsage522/carlistingworker/pkg/errors"
	"sjsage522/carlistingworker/services/cache"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// FetchFunc fetches a page and returns its UTF-8 body
type FetchFunc func(ctx context.Context, url string) (io.Reader, error)

// BaseCrawler provides common functionality for the crawler and enricher
type BaseCrawler struct {
	BaseURL   string
	Stage     string
	CacheKey  string
	CacheSvc  cache.CacheService
	BlockTime time.Duration
	Gate      *RateGate
	fetchFunc FetchFunc
}

func newBaseCrawler(config CrawlerConfig, stage string, cacheSvc cache.CacheService, gate *RateGate) BaseCrawler {
	return BaseCrawler{
		BaseURL:   strings.TrimRight(config.BaseURL, "/"),
		Stage:     stage,
		CacheKey:  config.CacheKey,
		CacheSvc:  cacheSvc,
		BlockTime: config.BlockTime,
		Gate:      gate,
		fetchFunc: helpers.FetchPage,
	}
}

// fetchWithCache fetches a URL through the rate gate, honouring and setting
// the rate-limit block kept in the cache
func (c *BaseCrawler) fetchWithCache(ctx context.Context, pageURL string) (io.Reader, error) {
	if cache.IsBlocked(c.CacheSvc, c.CacheKey) {
		return nil, errs.NewRateLimit(c.Stage, c.BlockTime)
	}

	if err := c.Gate.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.fetchFunc(ctx, pageURL)
	if err != nil {
		if errors.Is(err, helpers.ErrRateLimited) {
			if setErr := cache.Block(c.CacheSvc, c.CacheKey, c.BlockTime); setErr != nil {
				logger.Warn("failed to store rate-limit block %s: %v", c.CacheKey, setErr)
			}
			return nil, errs.New(errs.ErrorTypeRateLimit, c.Stage, "fetch "+pageURL, err)
		}
		return nil, errs.NewNetwork(c.Stage, "fetch "+pageURL, err)
	}

	return body, nil
}

// createDocument creates a goquery document from a reader
func (c *BaseCrawler) createDocument(reader io.Reader) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, errs.NewParsing(c.Stage, "parse HTML", err)
	}
	return doc, nil
}

// ResolveURL resolves href against the base URL. Empty hrefs resolve to "".
func (c *BaseCrawler) ResolveURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	base, err := url.Parse(c.BaseURL + "/")
	if err != nil {
		return c.BaseURL + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return c.BaseURL + href
	}
	return base.ResolveReference(ref).String()
}

// pageURL builds the absolute URL of an index path
func (c *BaseCrawler) pageURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.ResolveURL(path)
}

// strippedText returns the text of the selection with every text node
// trimmed and the pieces concatenated
func strippedText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		appendStrippedText(&b, n)
	}
	return b.String()
}

func appendStrippedText(b *strings.Builder, n *html.Node) {
	if n.Type == html.TextNode {
		b.WriteString(strings.TrimSpace(n.Data))
		return
	}
	if n.Type == html.CommentNode {
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		appendStrippedText(b, child)
	}
}

// itemTexts returns the stripped text of every li in the first element matched
// by listSelector, or an empty slice when no list is present
func itemTexts(s *goquery.Selection, listSelector string) []string {
	items := []string{}
	list := s.Find(listSelector).First()
	if list.Length() == 0 {
		return items
	}
	list.Find("li").Each(func(_ int, li *goquery.Selection) {
		items = append(items, strippedText(li))
	})
	return items
}

// optionalText returns the stripped text of the first match, or nil
func optionalText(s *goquery.Selection, selector string) *string {
	if selector == "" {
		return nil
	}
	sel := s.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	text := strippedText(sel)
	return &text
}
