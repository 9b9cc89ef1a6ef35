package pipeline

import (
	"context"

	"github.com/local/pdfsqueeze/internal/pdfdoc"
	"github.com/local/pdfsqueeze/internal/planner"
)

// Document is a loaded source document.
type Document interface {
	PageCount() int
	Extract(ctx context.Context, r planner.PageRange) ([]byte, error)
}

// Documents opens sources and joins compressed parts.
type Documents interface {
	Load(ctx context.Context, src []byte) (Document, error)
	Merge(ctx context.Context, parts [][]byte) ([]byte, error)
}

type pdfDocuments struct {
	lib *pdfdoc.Library
}

// PDFDocuments exposes a pdfdoc.Library as Documents.
func PDFDocuments(lib *pdfdoc.Library) Documents {
	if lib == nil {
		lib = pdfdoc.New()
	}
	return pdfDocuments{lib: lib}
}

func (p pdfDocuments) Load(ctx context.Context, src []byte) (Document, error) {
	doc, err := p.lib.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (p pdfDocuments) Merge(ctx context.Context, parts [][]byte) ([]byte, error) {
	return p.lib.Merge(ctx, parts)
}
