package extract

import (
	"image"

	fitz "github.com/gen2brain/go-fitz"
)

// Doc abstracts an open PDF. *fitz.Document satisfies it directly; tests
// provide in-memory fakes. Page indices are 0-based.
type Doc interface {
	NumPage() int
	Text(i int) (string, error)
	Metadata() map[string]string
	ImageDPI(i int, dpi float64) (*image.RGBA, error)
	Close() error
}

// Opener abstracts opening a PDF path into a Doc.
type Opener interface {
	Open(path string) (Doc, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Doc, error)

func (f OpenerFunc) Open(path string) (Doc, error) { return f(path) }

// FitzOpener opens documents with the embedded MuPDF bindings.
var FitzOpener Opener = OpenerFunc(func(path string) (Doc, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return doc, nil
})
