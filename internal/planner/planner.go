package planner

import (
	"fmt"
	"math"
)

// PageRange is a half-open range of zero-based page indices [Start, End).
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of pages in the range.
func (r PageRange) Len() int { return r.End - r.Start }

// Selection renders the range as a one-based page selection ("3-7", or "4" for a single page).
func (r PageRange) Selection() string {
	if r.Len() == 1 {
		return fmt.Sprintf("%d", r.Start+1)
	}
	return fmt.Sprintf("%d-%d", r.Start+1, r.End)
}

func (r PageRange) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// Plan is an ordered partition of a document's pages into chunks.
type Plan struct {
	PageCount     int         `json:"page_count"`
	PagesPerChunk int         `json:"pages_per_chunk"`
	Ranges        []PageRange `json:"ranges"`
}

// NumChunks returns the number of ranges in the plan.
func (p Plan) NumChunks() int { return len(p.Ranges) }

// Validate checks that the ranges cover [0, PageCount) exactly once in ascending order.
func (p Plan) Validate() error {
	next := 0
	for i, r := range p.Ranges {
		if r.Start != next {
			return fmt.Errorf("range %d starts at %d, expected %d", i, r.Start, next)
		}
		if r.End <= r.Start {
			return fmt.Errorf("range %d is empty: %s", i, r)
		}
		next = r.End
	}
	if next != p.PageCount {
		return fmt.Errorf("ranges cover %d pages, document has %d", next, p.PageCount)
	}
	return nil
}

// New partitions pageCount pages into chunks whose estimated size stays near
// targetChunkBytes, assuming every page weighs totalBytes/pageCount.
// A chunk always holds at least one page, however large that page is.
func New(pageCount int, totalBytes, targetChunkBytes int64) (Plan, error) {
	if pageCount < 1 {
		return Plan{}, fmt.Errorf("page count must be at least 1, got %d", pageCount)
	}
	if totalBytes < 0 {
		return Plan{}, fmt.Errorf("total bytes must not be negative, got %d", totalBytes)
	}
	if targetChunkBytes <= 0 {
		return Plan{}, fmt.Errorf("target chunk bytes must be positive, got %d", targetChunkBytes)
	}

	perChunk := PagesPerChunk(pageCount, totalBytes, targetChunkBytes)
	numChunks := (pageCount + perChunk - 1) / perChunk

	plan := Plan{
		PageCount:     pageCount,
		PagesPerChunk: perChunk,
		Ranges:        make([]PageRange, 0, numChunks),
	}
	for i := 0; i < numChunks; i++ {
		start := i * perChunk
		end := start + perChunk
		if end > pageCount {
			end = pageCount
		}
		plan.Ranges = append(plan.Ranges, PageRange{Start: start, End: end})
	}
	return plan, nil
}

// PagesPerChunk computes floor(target / (total/pages)) as floor(target*pages/total),
// clamped to [1, pageCount]. An empty document fits in a single chunk.
func PagesPerChunk(pageCount int, totalBytes, targetChunkBytes int64) int {
	if pageCount < 1 {
		return 1
	}
	if totalBytes <= 0 {
		return pageCount
	}
	pages := int64(pageCount)
	if targetChunkBytes > math.MaxInt64/pages {
		return pageCount
	}
	n := targetChunkBytes * pages / totalBytes
	if n < 1 {
		return 1
	}
	if n > pages {
		return pageCount
	}
	return int(n)
}
