// Package extract derives per-page character-offset spans from document
// content. The spans translate annotation offsets back into page numbers
// at query time.
package extract

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/chartq/chartq/internal/storage"
)

var pdfMagic = []byte("%PDF-")

// Result holds the extracted plain text and the page spans covering it.
type Result struct {
	Text  string
	Spans []storage.PageSpan
}

// PageSpans extracts text and page layout from content. PDF input yields
// one span per page; any other content is treated as plain text covering a
// single page.
func PageSpans(content []byte) (Result, error) {
	if bytes.HasPrefix(content, pdfMagic) {
		return pdfPageSpans(content)
	}

	text := string(content)
	return Result{
		Text: text,
		Spans: []storage.PageSpan{
			{PageNumber: 1, Offset: 0, Length: utf8.RuneCountInString(text)},
		},
	}, nil
}

func pdfPageSpans(content []byte) (Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Result{}, fmt.Errorf("opening pdf: %w", err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return Result{Spans: []storage.PageSpan{{PageNumber: 1}}}, nil
	}

	// Extract page text concurrently, then accumulate offsets in page order.
	pageTexts := make([]string, numPages)
	var g errgroup.Group
	g.SetLimit(4)
	for i := 1; i <= numPages; i++ {
		g.Go(func() error {
			page := reader.Page(i)
			if page.V.IsNull() {
				return nil
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				return fmt.Errorf("extracting page %d: %w", i, err)
			}
			pageTexts[i-1] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var buf bytes.Buffer
	spans := make([]storage.PageSpan, 0, numPages)
	offset := 0
	for i, text := range pageTexts {
		length := utf8.RuneCountInString(text)
		spans = append(spans, storage.PageSpan{
			PageNumber: i + 1,
			Offset:     offset,
			Length:     length,
		})
		offset += length
		buf.WriteString(text)
	}

	return Result{Text: buf.String(), Spans: spans}, nil
}

// PageForOffset returns the page whose span contains the given character
// offset. Missing spans or an out-of-range offset fall back to page 1; the
// second return value reports whether a span matched.
func PageForOffset(spans []storage.PageSpan, offset int) (int, bool) {
	for _, s := range spans {
		if offset >= s.Offset && offset < s.Offset+s.Length {
			return s.PageNumber, true
		}
	}
	return 1, false
}
