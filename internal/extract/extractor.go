package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/audiobooker/internal/book"
)

// ErrNoPages is returned for documents that open but report zero pages.
var ErrNoPages = errors.New("pdf has no pages")

// textLayerThreshold is the minimum non-whitespace characters across the
// sampled pages for a document to count as having a text layer.
const textLayerThreshold = 300

// Extractor turns a local PDF into cleaned per-page text.
type Extractor struct {
	opener Opener
	// HeaderShare is the fraction of pages a first/last line must repeat on
	// to be stripped as a running header or footer.
	HeaderShare float64
}

func New(opener Opener) *Extractor {
	if opener == nil {
		opener = FitzOpener
	}
	return &Extractor{opener: opener, HeaderShare: 0.4}
}

// Extract opens path and returns one Page per physical page in order.
// Pages that fail to extract are kept as blank pages so indices stay
// aligned with the physical document.
func (e *Extractor) Extract(ctx context.Context, path string) (book.Document, error) {
	doc, err := e.opener.Open(path)
	if err != nil {
		return book.Document{}, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n <= 0 {
		return book.Document{}, ErrNoPages
	}

	texts := make([]string, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return book.Document{}, err
		}
		raw, err := doc.Text(i)
		if err != nil {
			log.Warn().Err(err).Int("page", i+1).Msg("failed to extract text from page")
			continue
		}
		texts[i] = cleanPage(raw, i+1)
	}
	// page labels and running headers can stack, so strip twice
	texts = stripRepeated(stripRepeated(texts, e.HeaderShare), e.HeaderShare)

	out := book.Document{PageCount: n, Pages: make([]book.Page, n)}
	for i, t := range texts {
		out.Pages[i] = book.Page{Index: i + 1, Text: t}
	}
	out.TextLayer = hasTextLayer(texts)
	out.Info = infoFrom(doc.Metadata())

	log.Debug().Str("pdf", path).Int("pages", n).Bool("text_layer", out.TextLayer).Msg("extracted pages")
	return out, nil
}

// Cover renders the first page as a JPEG.
func (e *Extractor) Cover(path string, dpi float64) ([]byte, error) {
	doc, err := e.opener.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()
	if doc.NumPage() == 0 {
		return nil, ErrNoPages
	}
	if dpi <= 0 {
		dpi = 110
	}
	img, err := doc.ImageDPI(0, dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render cover: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// CountPages reads the page count from the PDF structure without rendering.
func CountPages(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	return n, nil
}

// hasTextLayer samples up to ten evenly spaced pages.
func hasTextLayer(texts []string) bool {
	total := 0
	for _, i := range sampleIndices(len(texts), 10) {
		total += len(strings.Join(strings.Fields(texts[i]), ""))
	}
	return total >= textLayerThreshold
}

func sampleIndices(n, k int) []int {
	if n <= k {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, 0, k)
	step := float64(n-1) / float64(k-1)
	for j := 0; j < k; j++ {
		out = append(out, int(float64(j)*step+0.5))
	}
	return out
}

func infoFrom(meta map[string]string) book.Info {
	return book.Info{
		Title:   strings.TrimSpace(meta["title"]),
		Author:  strings.TrimSpace(meta["author"]),
		Subject: strings.TrimSpace(meta["subject"]),
	}
}
