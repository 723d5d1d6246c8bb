package text

import (
	"regexp"
	"strings"
)

// Section is a heading-scoped block of extracted content. HeadingPath is
// the full path from the top-level heading, e.g. "Pricing > Fees".
type Section struct {
	HeadingPath string
	Content     string
}

var sentenceEndRe = regexp.MustCompile(`([.!?])(\s+|$)`)

// Split cuts text into chunks of at most maxSize characters, preferring
// sentence boundaries. Consecutive chunks share the trailing overlap
// characters of the previous chunk so context survives the cut. A single
// sentence longer than maxSize is hard-split into fixed windows.
func Split(text string, maxSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxSize {
		return []string{text}
	}

	sentences := splitSentences(text)

	var chunks []string
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		if chunk != "" {
			chunks = append(chunks, chunk)
			// Seed the next chunk with the tail of this one.
			if overlap > 0 && len(chunk) > overlap {
				current.WriteString(chunk[len(chunk)-overlap:])
				current.WriteString(" ")
			}
		}
	}

	for _, sentence := range sentences {
		if len(sentence) > maxSize {
			flush()
			for _, piece := range SplitFixed(sentence, maxSize, overlap) {
				chunks = append(chunks, piece)
			}
			continue
		}

		if current.Len() > 0 && current.Len()+len(sentence)+1 > maxSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}

	if chunk := strings.TrimSpace(current.String()); chunk != "" {
		chunks = append(chunks, chunk)
	}

	return chunks
}

// SplitFixed cuts text into fixed-width character windows with overlap.
// This is the fallback when no sentence structure is usable.
func SplitFixed(text string, maxSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxSize {
		return []string{text}
	}

	step := maxSize - overlap
	if step <= 0 {
		step = maxSize
	}

	var chunks []string
	for i := 0; i < len(text); i += step {
		end := i + maxSize
		if end > len(text) {
			end = len(text)
		}
		chunk := strings.TrimSpace(text[i:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(text) {
			break
		}
	}
	return chunks
}

// SplitSections produces one chunk per heading-scoped section. Sections
// larger than maxSize are sub-split with Split, each piece re-prefixed
// with the heading path so retrieval keeps the context.
func SplitSections(sections []Section, maxSize, overlap int) []Section {
	var out []Section
	for _, sec := range sections {
		content := strings.TrimSpace(sec.Content)
		if content == "" {
			continue
		}

		body := content
		if sec.HeadingPath != "" {
			body = sec.HeadingPath + "\n" + content
		}

		if len(body) <= maxSize {
			out = append(out, Section{HeadingPath: sec.HeadingPath, Content: body})
			continue
		}

		for _, piece := range Split(content, maxSize, overlap) {
			chunk := piece
			if sec.HeadingPath != "" {
				chunk = sec.HeadingPath + "\n" + piece
			}
			out = append(out, Section{HeadingPath: sec.HeadingPath, Content: chunk})
		}
	}
	return out
}

// splitSentences breaks text on sentence-ending punctuation, keeping the
// punctuation with its sentence. Whitespace-only pieces are dropped.
func splitSentences(text string) []string {
	var sentences []string
	last := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(text, -1) {
		s := strings.TrimSpace(text[last:loc[1]])
		if s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if tail := strings.TrimSpace(text[last:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
