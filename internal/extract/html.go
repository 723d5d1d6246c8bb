package extract

import (
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"corpora/internal/text"
)

type headingFrame struct {
	text  string
	level int
}

// parseHTML walks the document in reading order and groups content under
// its full heading path ("Pricing > Fees"). Boilerplate containers are
// stripped before the walk; content that precedes any heading becomes a
// section with an empty heading path.
func parseHTML(r io.Reader) ([]text.Section, string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, "", err
	}

	doc.Find("script, style, nav, footer, header, aside, form, noscript").Remove()

	root := doc.Find("main").First()
	if root.Length() == 0 {
		root = doc.Find("article").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	var sections []text.Section
	var stack []headingFrame
	var current []string

	closeSection := func() {
		if len(current) == 0 {
			return
		}
		content := strings.TrimSpace(strings.Join(current, "\n"))
		current = nil
		if content == "" {
			return
		}
		sections = append(sections, text.Section{
			HeadingPath: headingPath(stack),
			Content:     content,
		})
	}

	root.Find("h1, h2, h3, h4, h5, h6, p, li, dt, dd").Each(func(_ int, s *goquery.Selection) {
		t := strings.TrimSpace(s.Text())
		if len(t) < 3 {
			return
		}

		name := goquery.NodeName(s)
		if strings.HasPrefix(name, "h") && len(name) == 2 {
			level, err := strconv.Atoi(name[1:])
			if err != nil {
				return
			}
			closeSection()
			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, headingFrame{text: t, level: level})
			return
		}

		// Nested content elements, like a p inside an li, already had
		// their text folded into the ancestor match. Visiting them
		// again would duplicate it.
		if s.ParentsFiltered("p, li, dt, dd").Length() > 0 {
			return
		}

		if name == "li" {
			t = "- " + t
		}
		current = append(current, t)
	})
	closeSection()

	var plain strings.Builder
	for i, sec := range sections {
		if i > 0 {
			plain.WriteString("\n\n")
		}
		plain.WriteString(sec.Content)
	}

	return sections, plain.String(), nil
}

func headingPath(stack []headingFrame) string {
	parts := make([]string, len(stack))
	for i, h := range stack {
		parts[i] = h.text
	}
	return strings.Join(parts, " > ")
}
