package extraction

import (
	"fmt"
	"math"
)

const MB = 1024 * 1024

// PDFLimits are the OCR provider's per-request ceilings.
type PDFLimits struct {
	MaxPages int
	MaxBytes int64
	// Safety is the share of MaxBytes a split may use.
	Safety float64
}

// DefaultPDFLimits matches the OCR provider's documented request limits.
var DefaultPDFLimits = PDFLimits{MaxPages: 1000, MaxBytes: 50 * MB, Safety: 0.9}

// NeedsSplit reports whether a document exceeds a single OCR request.
func (l PDFLimits) NeedsSplit(pages int, size int64) bool {
	return pages > l.MaxPages || size > l.MaxBytes
}

// SafeBytes is the byte ceiling a single split is planned against.
func (l PDFLimits) SafeBytes() int64 {
	s := l.Safety
	if s <= 0 || s > 1 {
		s = 1
	}
	return int64(math.Round(float64(l.MaxBytes) * s))
}

// PageRange is an inclusive, 1-based range of pages.
type PageRange struct {
	From int
	To   int
}

func (r PageRange) Pages() int { return r.To - r.From + 1 }

// Selector renders the range in pdfcpu page selection syntax.
func (r PageRange) Selector() string { return fmt.Sprintf("%d-%d", r.From, r.To) }

// PlanSplits cuts pages 1..pages into sequential contiguous ranges. Each range
// holds at most maxPages pages and, assuming pages are of equal size, at most
// safeBytes bytes. At least one page goes into every range.
func PlanSplits(pages int, size, safeBytes int64, maxPages int) []PageRange {
	if pages <= 0 {
		return nil
	}
	budget := pages
	if maxPages > 0 && maxPages < budget {
		budget = maxPages
	}
	if size > 0 && safeBytes > 0 {
		// floor(safeBytes / (size / pages)) without float rounding.
		byBytes := safeBytes * int64(pages) / size
		if byBytes < int64(budget) {
			budget = int(byBytes)
		}
	}
	if budget < 1 {
		budget = 1
	}

	out := make([]PageRange, 0, (pages+budget-1)/budget)
	for from := 1; from <= pages; from += budget {
		to := from + budget - 1
		if to > pages {
			to = pages
		}
		out = append(out, PageRange{From: from, To: to})
	}
	return out
}
