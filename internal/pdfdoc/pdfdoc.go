// Package pdfdoc splits and joins PDF documents with pdfcpu.
package pdfdoc

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfsqueeze/internal/planner"
)

func init() {
	// pdfcpu otherwise creates a config dir under the user's home.
	api.DisableConfigDir()
}

// InvalidInputError means the source could not be opened as a PDF.
type InvalidInputError struct {
	Reason string
	Err    error
}

func (e *InvalidInputError) Error() string {
	if e.Err == nil {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %v", e.Reason, e.Err)
}

func (e *InvalidInputError) Unwrap() error { return e.Err }

// MergeError means a compressed part could not be opened or joined.
type MergeError struct {
	Index int // zero-based part index, -1 when the join itself failed
	Err   error
}

func (e *MergeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("merge failed: %v", e.Err)
	}
	return fmt.Sprintf("merge failed: part %d unreadable: %v", e.Index+1, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// newConf returns a fresh configuration per call; pdfcpu mutates it.
func newConf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Library opens documents and merges parts.
type Library struct{}

// New returns a pdfcpu-backed Library.
func New() *Library { return &Library{} }

// Document is an opened source PDF.
type Document struct {
	data  []byte
	pages int
}

// Load validates src and reads its page count.
func (l *Library) Load(ctx context.Context, src []byte) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(src) == 0 {
		return nil, &InvalidInputError{Reason: "empty document"}
	}
	n, err := api.PageCount(bytes.NewReader(src), newConf())
	if err != nil {
		return nil, &InvalidInputError{Reason: "unreadable pdf", Err: err}
	}
	return &Document{data: src, pages: n}, nil
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return d.pages }

// Extract returns a standalone PDF holding exactly the pages of r, in order.
func (d *Document) Extract(ctx context.Context, r planner.PageRange) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Start < 0 || r.End > d.pages || r.Len() <= 0 {
		return nil, fmt.Errorf("page range %s outside document of %d pages", r, d.pages)
	}
	var out bytes.Buffer
	if err := api.Trim(bytes.NewReader(d.data), &out, []string{r.Selection()}, newConf()); err != nil {
		return nil, fmt.Errorf("extract pages %s: %w", r.Selection(), err)
	}
	return out.Bytes(), nil
}

// Merge concatenates parts in order. Every part is opened first so a bad part
// is reported by index.
func (l *Library) Merge(ctx context.Context, parts [][]byte) ([]byte, error) {
	if len(parts) == 0 {
		return nil, &MergeError{Index: -1, Err: fmt.Errorf("no parts to merge")}
	}
	readers := make([]io.ReadSeeker, len(parts))
	total := 0
	for i, p := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(p) == 0 {
			return nil, &MergeError{Index: i, Err: fmt.Errorf("empty part")}
		}
		n, err := api.PageCount(bytes.NewReader(p), newConf())
		if err != nil {
			return nil, &MergeError{Index: i, Err: err}
		}
		total += n
		readers[i] = bytes.NewReader(p)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}

	var out bytes.Buffer
	if err := api.MergeRaw(readers, &out, false, newConf()); err != nil {
		return nil, &MergeError{Index: -1, Err: err}
	}
	log.Debug().Int("parts", len(parts)).Int("pages", total).Int("bytes", out.Len()).Msg("merged compressed parts")
	return out.Bytes(), nil
}

// PageCount reads the page count of an arbitrary PDF.
func PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), newConf())
	if err != nil {
		return 0, &InvalidInputError{Reason: "unreadable pdf", Err: err}
	}
	return n, nil
}
