package extract

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"corpora/features/document"
	"corpora/internal/text"
)

// ExtractionError marks a source as unreadable or unsupported. It is a
// local, permanent failure: the document stays Uploaded and retrying
// without changing the source will not help.
type ExtractionError struct {
	Kind document.SourceKind
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Result carries extracted content. Plain kinds fill Text; structured
// kinds (html, url) also fill Sections with heading paths.
type Result struct {
	Text     string
	Sections []text.Section
}

type Extractor struct {
	fetcher *URLFetcher
}

func NewExtractor(fetcher *URLFetcher) *Extractor {
	return &Extractor{fetcher: fetcher}
}

// Extract pulls raw text out of a source according to its kind.
func (e *Extractor) Extract(locator string, kind document.SourceKind) (*Result, error) {
	switch kind {
	case document.KindText:
		return extractPlain(locator, kind)
	case document.KindPDF:
		return extractPDF(locator)
	case document.KindDocx:
		return extractDocx(locator)
	case document.KindHTML:
		return extractHTMLFile(locator)
	case document.KindURL:
		return e.fetcher.Fetch(locator)
	default:
		return nil, &ExtractionError{Kind: kind, Err: fmt.Errorf("unsupported source kind %q", kind)}
	}
}

func extractPlain(path string, kind document.SourceKind) (*Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ExtractionError{Kind: kind, Err: err}
	}
	return &Result{Text: strings.TrimSpace(string(b))}, nil
}

func extractPDF(path string) (*Result, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindPDF, Err: err}
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindPDF, Err: err}
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindPDF, Err: err}
	}
	return &Result{Text: strings.TrimSpace(string(b))}, nil
}

func extractHTMLFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindHTML, Err: err}
	}
	defer f.Close()

	sections, plain, err := parseHTML(f)
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindHTML, Err: err}
	}
	return &Result{Text: plain, Sections: sections}, nil
}
