package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><head><title>Guide Home</title></head><body>
			<nav><a href="/hidden">nav link</a></nav>
			<article>
				<h1>Welcome</h1>
				<script>var tracked = true;</script>
				<p>Start here &amp; read the guide.</p>
				<a href="/chapter-1">Chapter 1</a>
				<a href="/chapter-1#section">Chapter 1 anchor</a>
				<a href="/chapter-1?ref=home">Chapter 1 query</a>
				<a href="/chapter-2">Chapter 2</a>
				<a href="https://elsewhere.example.com/off-site">External</a>
				<a href="mailto:docs@example.com">Mail</a>
				<a href="/missing">Broken</a>
			</article>
		</body></html>`)
	})
	mux.HandleFunc("/chapter-1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Chapter 1</title></head><body>
			<main>
				<h2>Basics</h2>
				<h3>Setup</h3>
				<p>Chapter one body text.</p>
				<footer>boilerplate footer</footer>
			</main>
		</body></html>`)
	})
	mux.HandleFunc("/chapter-2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Chapter 2</title></head><body>
			<div><p>No content element here.</p><a href="/chapter-1">back</a></div>
		</body></html>`)
	})
	mux.HandleFunc("/hidden", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Hidden</title></head><body>
			<article><p>Reached through the nav link.</p></article>
		</body></html>`)
	})

	return httptest.NewServer(mux)
}

func TestCrawlVisitsSameHostPages(t *testing.T) {
	server := newTestSite(t)
	defer server.Close()

	crawler := NewSiteCrawler()
	result, err := crawler.Crawl(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}

	// Home, chapter 1, and the page behind the nav link extract content.
	// Chapter 2 has no article/main and is skipped without failing.
	if len(result.Pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(result.Pages))
	}

	byURL := make(map[string]int)
	for i, page := range result.Pages {
		byURL[strings.TrimPrefix(page.URL, server.URL)] = i
	}
	if _, ok := byURL[""]; !ok {
		t.Error("expected home page in results")
	}
	if _, ok := byURL["/chapter-1"]; !ok {
		t.Error("expected /chapter-1 in results")
	}
	if _, ok := byURL["/hidden"]; !ok {
		t.Error("expected /hidden in results")
	}

	if len(result.FailedURLs) != 1 {
		t.Fatalf("expected 1 failed URL, got %d", len(result.FailedURLs))
	}
	if !strings.HasSuffix(result.FailedURLs[0].Identifier, "/missing") {
		t.Errorf("expected /missing to fail, got %s", result.FailedURLs[0].Identifier)
	}
}

func TestCrawlExtractsCleanText(t *testing.T) {
	server := newTestSite(t)
	defer server.Close()

	crawler := NewSiteCrawler()
	result, err := crawler.Crawl(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}

	var home, chapter *pageAssertion
	for _, page := range result.Pages {
		switch strings.TrimPrefix(page.URL, server.URL) {
		case "":
			home = &pageAssertion{title: page.Title, text: page.ExtractedText, headers: page.SectionHeaders}
		case "/chapter-1":
			chapter = &pageAssertion{title: page.Title, text: page.ExtractedText, headers: page.SectionHeaders}
		}
	}
	if home == nil || chapter == nil {
		t.Fatal("expected home and chapter 1 pages in results")
	}

	if home.title != "Guide Home" {
		t.Errorf("expected title 'Guide Home', got %q", home.title)
	}
	if !strings.Contains(home.text, "Start here & read the guide.") {
		t.Errorf("expected unescaped entity in text, got %q", home.text)
	}
	if strings.Contains(home.text, "tracked") {
		t.Error("script content leaked into extracted text")
	}
	if strings.Contains(home.text, "nav link") {
		t.Error("nav content leaked into extracted text")
	}

	if chapter.title != "Chapter 1" {
		t.Errorf("expected title 'Chapter 1', got %q", chapter.title)
	}
	if strings.Contains(chapter.text, "boilerplate footer") {
		t.Error("footer content leaked into extracted text")
	}
	if len(chapter.headers) != 2 || chapter.headers[0] != "Basics" || chapter.headers[1] != "Setup" {
		t.Errorf("expected section headers [Basics Setup], got %v", chapter.headers)
	}
}

type pageAssertion struct {
	title   string
	text    string
	headers []string
}

func TestCrawlDeduplicatesLinkVariants(t *testing.T) {
	var chapterOneHits int
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Root</title></head><body><article>
			<a href="/page">plain</a>
			<a href="/page#a">fragment</a>
			<a href="/page?v=2">query</a>
			<a href="/page/">trailing slash</a>
		</article></body></html>`)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, _ *http.Request) {
		chapterOneHits++
		fmt.Fprint(w, `<html><head><title>Page</title></head><body><article><p>body</p></article></body></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	crawler := NewSiteCrawler()
	result, err := crawler.Crawl(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}

	if chapterOneHits != 1 {
		t.Errorf("expected /page fetched once, got %d", chapterOneHits)
	}
	if len(result.Pages) != 2 {
		t.Errorf("expected 2 pages, got %d", len(result.Pages))
	}
}

func TestCrawlRespectsMaxPages(t *testing.T) {
	var fetches int
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fetches++
		next := fetches + 1
		fmt.Fprintf(w, `<html><head><title>P</title></head><body><article>
			<p>page body</p><a href="/p%d">next</a>
		</article></body></html>`, next)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	crawler := NewSiteCrawler()
	crawler.SetMaxPages(3)

	result, err := crawler.Crawl(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}

	if fetches != 3 {
		t.Errorf("expected 3 fetches, got %d", fetches)
	}
	if len(result.Pages) != 3 {
		t.Errorf("expected 3 pages, got %d", len(result.Pages))
	}
}

func TestCrawlRejectsInvalidBaseURL(t *testing.T) {
	crawler := NewSiteCrawler()

	for _, baseURL := range []string{"://bad", "not-a-url", ""} {
		if _, err := crawler.Crawl(context.Background(), baseURL); err == nil {
			t.Errorf("expected error for base URL %q", baseURL)
		}
	}
}

func TestCrawlStopsOnCancelledContext(t *testing.T) {
	server := newTestSite(t)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	crawler := NewSiteCrawler()
	if _, err := crawler.Crawl(ctx, server.URL); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestCrawlRecordsTimeoutAsFailure(t *testing.T) {
	slow := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>R</title></head><body><article>
			<p>root</p><a href="/slow">slow</a>
		</article></body></html>`)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		<-slow
	})
	server := httptest.NewServer(mux)
	defer func() {
		close(slow)
		server.Close()
	}()

	crawler := NewSiteCrawler()
	crawler.SetTimeout(100 * time.Millisecond)

	result, err := crawler.Crawl(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}
	if len(result.Pages) != 1 {
		t.Errorf("expected 1 page, got %d", len(result.Pages))
	}
	if len(result.FailedURLs) != 1 {
		t.Fatalf("expected 1 failed URL, got %d", len(result.FailedURLs))
	}
	if result.FailedURLs[0].Stage != "crawling" {
		t.Errorf("expected crawling stage, got %s", result.FailedURLs[0].Stage)
	}
}
