package extraction

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/resilience"
)

// fakeOCR answers with one "\f"-separated page per page of the split it is
// given. failOn makes the split starting at that page fail.
type fakeOCR struct {
	mu     sync.Mutex
	ranges map[string]PageRange
	calls  []PageRange
	failOn int
	whole  string
}

func (f *fakeOCR) OCRFile(_ context.Context, path, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.ranges[path]
	if !ok {
		return f.whole, nil
	}
	f.calls = append(f.calls, r)
	if r.From == f.failOn {
		return "", errs.New(errs.CodeMalformedInput, "provider rejected split")
	}
	pages := make([]string, 0, r.Pages())
	for p := r.From; p <= r.To; p++ {
		pages = append(pages, fmt.Sprintf("ocr page %d", p))
	}
	return strings.Join(pages, pageBreak), nil
}

type pdfHarness struct {
	ocr     *fakeOCR
	ext     *PDFExtractor
	in      core.ExtractInput
	trimmed []PageRange
	layer   []int
}

func newPDFHarness(t *testing.T, pages int) *pdfHarness {
	t.Helper()
	h := &pdfHarness{ocr: &fakeOCR{ranges: map[string]PageRange{}}}
	h.in = core.ExtractInput{
		Path:       writeFile(t, "doc.pdf", "%PDF-1.7 test"),
		MimeType:   "application/pdf",
		FileName:   "doc.pdf",
		WorkDir:    t.TempDir(),
		PageWindow: 5,
	}

	h.ext = NewPDFExtractor(h.ocr, resilience.NewGate(2, 4, 0), nil)
	h.ext.Policy = resilience.Policy{Name: "test", MaxRetries: 0}
	h.ext.Limits = PDFLimits{MaxPages: 10, MaxBytes: 1 << 30, Safety: 0.9}
	h.ext.pageCount = func(string) (int, error) { return pages, nil }
	h.ext.trim = func(_, out string, r PageRange) error {
		h.trimmed = append(h.trimmed, r)
		h.ocr.ranges[out] = r
		return os.WriteFile(out, []byte("split"), 0o644)
	}
	h.ext.textLayer = func(_ context.Context, _ string, from int, fn func(int, string) error) error {
		for p := from; p <= pages; p++ {
			h.layer = append(h.layer, p)
			if err := fn(p, fmt.Sprintf("layer page %d", p)); err != nil {
				return err
			}
		}
		return nil
	}
	return h
}

func TestPDFSingleRequest(t *testing.T) {
	h := newPDFHarness(t, 3)
	h.ocr.whole = "one\ftwo\fthree"
	sink := newMemSink("job-1")

	res, err := h.ext.Extract(context.Background(), h.in, sink)
	require.NoError(t, err)
	assert.Equal(t, MethodPDFOCR, res.Method)
	assert.Equal(t, 3, sink.st.Progress.PagesTotal)
	assert.Equal(t, []int{3}, sink.units())
	assert.Equal(t, "one\n\ntwo\n\nthree", sink.segments[0].Text)
	assert.Equal(t, MethodPDFOCR, sink.st.Metadata[MetaExtractionMethod])
	assert.Empty(t, h.trimmed)
}

func TestPDFPageCountMismatchIsOneSegment(t *testing.T) {
	h := newPDFHarness(t, 4)
	h.ocr.whole = "all pages run together"
	sink := newMemSink("job-1")

	_, err := h.ext.Extract(context.Background(), h.in, sink)
	require.NoError(t, err)
	require.Len(t, sink.segments, 1)
	assert.Equal(t, 4, sink.segments[0].Unit)
	assert.Equal(t, 4, sink.segments[0].Pages)
}

func TestPDFSplitsInPageWindows(t *testing.T) {
	h := newPDFHarness(t, 25)
	sink := newMemSink("job-1")

	res, err := h.ext.Extract(context.Background(), h.in, sink)
	require.NoError(t, err)
	assert.Equal(t, MethodPDFOCRSplit, res.Method)
	assert.Equal(t, []PageRange{{1, 10}, {11, 20}, {21, 25}}, h.trimmed)
	assert.Equal(t, []int{5, 10, 15, 20, 25}, sink.units())
	assert.Equal(t, 3, sink.st.Progress.LastOCRChunk)
	assert.Equal(t, 25, sink.st.Progress.PagesExtracted)
	assert.Contains(t, sink.segments[4].Text, "ocr page 25")
}

func TestPDFSplitResumesAtNextRange(t *testing.T) {
	h := newPDFHarness(t, 25)
	sink := newMemSink("job-1")
	sink.st.Metadata[MetaExtractionMethod] = MethodPDFOCRSplit
	sink.st.Progress.LastOCRChunk = 1
	sink.st.Progress.LastExtractedPage = 10
	sink.st.Progress.PagesExtracted = 10
	sink.st.Progress.ChunksGenerated = 2

	_, err := h.ext.Extract(context.Background(), h.in, sink)
	require.NoError(t, err)
	assert.Equal(t, []PageRange{{11, 20}, {21, 25}}, h.trimmed)
	assert.Equal(t, []int{15, 20, 25}, sink.units())
	assert.Equal(t, 3, sink.st.Progress.LastOCRChunk)
}

func TestPDFFallsBackToTextLayerMidSplit(t *testing.T) {
	h := newPDFHarness(t, 25)
	h.ocr.failOn = 11
	sink := newMemSink("job-1")

	res, err := h.ext.Extract(context.Background(), h.in, sink)
	require.NoError(t, err)
	assert.Equal(t, MethodPDFOCRPartial, res.Method)
	assert.Equal(t, MethodPDFOCRPartial, sink.st.Metadata[MetaExtractionMethod])
	assert.Equal(t, "11", sink.st.Metadata[MetaTextLayerFrom])
	assert.Equal(t, 1, sink.st.Progress.LastOCRChunk)

	// OCR delivered pages 1-10, the text layer the rest.
	assert.Equal(t, []int{5, 10, 15, 20, 25}, sink.units())
	assert.Equal(t, 11, h.layer[0])
	assert.Contains(t, sink.segments[1].Text, "ocr page 10")
	assert.Contains(t, sink.segments[2].Text, "layer page 11")
}

func TestPDFResumeHonoursFallback(t *testing.T) {
	h := newPDFHarness(t, 12)
	sink := newMemSink("job-1")
	sink.st.Metadata[MetaExtractionMethod] = MethodPDFTextFallback
	sink.st.Progress.LastExtractedPage = 5
	sink.st.Progress.ChunksGenerated = 1

	res, err := h.ext.Extract(context.Background(), h.in, sink)
	require.NoError(t, err)
	assert.Equal(t, MethodPDFTextFallback, res.Method)
	assert.Empty(t, h.trimmed)
	assert.Empty(t, h.ocr.calls)
	assert.Equal(t, []int{10, 12}, sink.units())
}

func TestPDFResumeKeepsPartialOCRMethod(t *testing.T) {
	h := newPDFHarness(t, 12)
	sink := newMemSink("job-1")
	sink.st.Metadata[MetaExtractionMethod] = MethodPDFOCRPartial
	sink.st.Metadata[MetaTextLayerFrom] = "6"
	sink.st.Progress.LastExtractedPage = 5
	sink.st.Progress.ChunksGenerated = 1

	res, err := h.ext.Extract(context.Background(), h.in, sink)
	require.NoError(t, err)
	assert.Equal(t, MethodPDFOCRPartial, res.Method)
	assert.Empty(t, h.ocr.calls)
	assert.Equal(t, "6", sink.st.Metadata[MetaTextLayerFrom])
	assert.Equal(t, []int{10, 12}, sink.units())
}

func TestPDFNoOCRProviderUsesTextLayer(t *testing.T) {
	h := newPDFHarness(t, 3)
	h.ext.OCR = nil
	sink := newMemSink("job-1")

	res, err := h.ext.Extract(context.Background(), h.in, sink)
	require.NoError(t, err)
	assert.Equal(t, MethodPDFTextFallback, res.Method)
	assert.NotContains(t, sink.st.Metadata, MetaTextLayerFrom)
}

func TestPDFNoTextAnywhere(t *testing.T) {
	h := newPDFHarness(t, 2)
	h.ext.OCR = nil
	h.ext.textLayer = func(_ context.Context, _ string, from int, fn func(int, string) error) error {
		for p := from; p <= 2; p++ {
			if err := fn(p, ""); err != nil {
				return err
			}
		}
		return nil
	}

	_, err := h.ext.Extract(context.Background(), h.in, newMemSink("job-1"))
	assert.Equal(t, errs.CodeExtractionFailed, errs.CodeOf(err))
}
