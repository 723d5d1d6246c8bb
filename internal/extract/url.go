package extract

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"corpora/features/document"
)

const fetchUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// URLFetcher pulls HTML pages and hands them to the structured parser.
type URLFetcher struct {
	client *http.Client
}

func NewURLFetcher(timeout time.Duration) *URLFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &URLFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *URLFetcher) Fetch(rawURL string) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, &ExtractionError{Kind: document.KindURL, Err: fmt.Errorf("invalid url %q", rawURL)}
	}

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindURL, Err: err}
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ExtractionError{Kind: document.KindURL, Err: fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)}
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text") {
		return nil, &ExtractionError{Kind: document.KindURL, Err: fmt.Errorf("unsupported content type %q", contentType)}
	}

	sections, plain, err := parseHTML(resp.Body)
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindURL, Err: err}
	}
	return &Result{Text: plain, Sections: sections}, nil
}
