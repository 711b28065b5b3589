package crawler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/interfaces"
	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

const (
	// HTTP client timeout in seconds.
	defaultCrawlHTTPTimeout = 30
	// Maximum pages to visit (safety limit).
	defaultMaxPages = 1000
	// Section headers kept per page.
	maxSectionHeaders = 5
)

var (
	ErrInvalidBaseURL       = errors.New("invalid base URL")
	ErrUnexpectedStatusCode = errors.New("unexpected status code")
	ErrNoContentElement     = errors.New("no article or main element found")
)

// SiteCrawler walks a documentation site breadth-first from a base URL,
// staying on the base host, and extracts boilerplate-stripped text from
// each page's article or main element.
type SiteCrawler struct {
	client   *http.Client
	maxPages int
	logger   zerolog.Logger
}

// NewSiteCrawler creates a crawler with the default timeout and page limit.
func NewSiteCrawler() *SiteCrawler {
	logger := util.NewLogger(util.LevelFromEnv())
	return &SiteCrawler{
		client: &http.Client{
			Timeout: defaultCrawlHTTPTimeout * time.Second,
		},
		maxPages: defaultMaxPages,
		logger:   logger,
	}
}

// Crawl visits baseURL and every same-host link reachable from it. Pages
// without an article or main element are skipped with a warning. Fetch and
// extraction failures are recorded per URL and never abort the crawl.
func (c *SiteCrawler) Crawl(ctx context.Context, baseURL string) (*interfaces.CrawlResult, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		c.logger.Error().Str("base_url", baseURL).Msg("invalid base URL")
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseURL, baseURL)
	}

	result := &interfaces.CrawlResult{}
	visited := make(map[string]struct{})
	queue := []string{base.String()}

	for len(queue) > 0 && len(visited) < c.maxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageURL := queue[0]
		queue = queue[1:]

		if _, seen := visited[pageURL]; seen {
			continue
		}
		visited[pageURL] = struct{}{}

		page, links, err := c.fetchAndExtract(ctx, pageURL)
		if err != nil {
			c.logger.Error().Err(err).Str("url", pageURL).Msg("failed to crawl page")
			result.FailedURLs = append(result.FailedURLs, models.StageError{
				Stage:      models.StageCrawling,
				Identifier: pageURL,
				Message:    err.Error(),
				Timestamp:  time.Now().UTC(),
			})
			continue
		}
		if page != nil {
			result.Pages = append(result.Pages, page)
		}

		for _, link := range links {
			if _, seen := visited[link]; !seen {
				queue = append(queue, link)
			}
		}
	}

	c.logger.Info().
		Int("pages", len(result.Pages)).
		Int("failed", len(result.FailedURLs)).
		Msg("crawl finished")

	return result, nil
}

// fetchAndExtract fetches one URL and returns its extracted page plus the
// same-host links it references. A nil page with nil error means the page
// had no recognizable content element and was skipped.
func (c *SiteCrawler) fetchAndExtract(
	ctx context.Context,
	pageURL string,
) (*models.Page, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnexpectedStatusCode, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	links := c.discoverLinks(doc, pageURL)

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = "Untitled"
	}

	content := doc.Find("article").First()
	if content.Length() == 0 {
		content = doc.Find("main").First()
	}
	if content.Length() == 0 {
		c.logger.Warn().Str("url", pageURL).Msg("no article or main element, skipping page")
		return nil, links, nil
	}

	content.Find("script, style, nav, header, footer").Remove()

	var headers []string
	content.Find("h1, h2, h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if text := strings.TrimSpace(s.Text()); text != "" {
			headers = append(headers, text)
		}
		return len(headers) < maxSectionHeaders
	})

	text := html.UnescapeString(collapseWhitespace(content.Text()))

	return &models.Page{
		URL:            pageURL,
		Title:          title,
		ExtractedText:  text,
		SectionHeaders: headers,
		StatusCode:     resp.StatusCode,
		FetchedAt:      time.Now().UTC(),
	}, links, nil
}

// discoverLinks returns the same-host URLs referenced by the document, with
// fragments and query strings stripped so duplicates collapse.
func (c *SiteCrawler) discoverLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
			return
		}

		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		if resolved.Host != base.Host || (resolved.Scheme != "http" && resolved.Scheme != "https") {
			return
		}

		resolved.Fragment = ""
		resolved.RawQuery = ""
		link := strings.TrimRight(resolved.String(), "/")

		if _, dup := seen[link]; !dup {
			seen[link] = struct{}{}
			links = append(links, link)
		}
	})

	return links
}

// collapseWhitespace normalizes runs of whitespace to single spaces so the
// extracted text hashes identically regardless of source formatting.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SetTimeout sets the HTTP client timeout.
func (c *SiteCrawler) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// SetMaxPages sets the maximum number of pages to visit.
func (c *SiteCrawler) SetMaxPages(maxPages int) {
	c.maxPages = maxPages
}
