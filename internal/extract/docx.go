package extract

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"corpora/features/document"
)

// extractDocx reads word/document.xml from the docx archive and joins the
// paragraph runs. Only text nodes are kept; formatting is dropped.
func extractDocx(path string) (*Result, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindDocx, Err: err}
	}
	defer zr.Close()

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, &ExtractionError{Kind: document.KindDocx, Err: fmt.Errorf("word/document.xml not found in %s", path)}
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindDocx, Err: err}
	}
	defer rc.Close()

	txt, err := docxText(rc)
	if err != nil {
		return nil, &ExtractionError{Kind: document.KindDocx, Err: err}
	}
	return &Result{Text: txt}, nil
}

// docxText streams the WordprocessingML body: w:t elements carry text,
// w:p boundaries become newlines.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}

	return strings.TrimSpace(b.String()), nil
}
