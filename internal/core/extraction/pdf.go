package extraction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/resilience"
	"github.com/markdave123-py/docstream/internal/models"
)

const (
	MethodPDFOCR          = "pdf-ocr"
	MethodPDFOCRSplit     = "pdf-ocr-split"
	MethodPDFTextFallback = "pdf-text-fallback"
	// MethodPDFOCRPartial marks documents whose leading pages came from OCR
	// and the rest from the text layer.
	MethodPDFOCRPartial = "pdf-ocr-partial"

	// MetaExtractionMethod is the job metadata key holding the method that
	// produced (or is producing) the text.
	MetaExtractionMethod = "extraction_method"
	// MetaTextLayerFrom is the first page read from the text layer when OCR
	// stopped part way through a document.
	MetaTextLayerFrom = "text_layer_from_page"

	DefaultPageWindow = 10

	// pageBreak separates pages in OCR output.
	pageBreak = "\f"
)

// PDFExtractor runs OCR first and falls back to the PDF text layer when OCR
// fails. Documents beyond a single OCR request are split into page ranges
// that are OCRed one by one; finished ranges are recorded in
// Progress.LastOCRChunk so a resumed job starts at the next range.
type PDFExtractor struct {
	OCR    core.OCRProvider
	Gate   *resilience.Gate
	Policy resilience.Policy
	Limits PDFLimits
	Log    *zap.Logger

	pageCount func(path string) (int, error)
	trim      func(in, out string, r PageRange) error
	textLayer func(ctx context.Context, path string, from int, fn func(page int, text string) error) error
}

func NewPDFExtractor(ocr core.OCRProvider, gate *resilience.Gate, log *zap.Logger) *PDFExtractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &PDFExtractor{
		OCR:       ocr,
		Gate:      gate,
		Policy:    resilience.OCR,
		Limits:    DefaultPDFLimits,
		Log:       log,
		pageCount: api.PageCountFile,
		trim:      trimPDF,
		textLayer: pdfTextLayer,
	}
}

func trimPDF(in, out string, r PageRange) error {
	return api.TrimFile(in, out, []string{r.Selector()}, nil)
}

func (e *PDFExtractor) Extract(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink) (*core.ExtractResult, error) {
	fi, err := os.Stat(in.Path)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	pages, err := e.pageCount(in.Path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeMalformedInput, err, "count pdf pages")
	}
	if pages <= 0 {
		return nil, errs.New(errs.CodeMalformedInput, "pdf has no pages")
	}
	if err := sink.UpdateProgress(ctx, func(p *models.Progress) {
		if pages > p.PagesTotal {
			p.PagesTotal = pages
		}
	}); err != nil {
		return nil, err
	}

	window := in.PageWindow
	if window <= 0 {
		window = DefaultPageWindow
	}
	log := e.Log.With(zap.String("job_id", sink.State().JobID), zap.Int("pages", pages), zap.Int64("bytes", fi.Size()))

	if !textLayerMethod(sink.State().Metadata[MetaExtractionMethod]) && e.OCR != nil {
		method, err := e.runOCR(ctx, in, sink, pages, fi.Size(), window, log)
		if err == nil {
			return &core.ExtractResult{Method: method, Pages: pages}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("PDFExtractor: OCR failed, falling back to text layer", zap.Error(err))
	}

	method := sink.State().Metadata[MetaExtractionMethod]
	if !textLayerMethod(method) {
		method = MethodPDFTextFallback
		if from := sink.State().Progress.LastExtractedPage + 1; from > 1 {
			method = MethodPDFOCRPartial
			if err := sink.SetMetadata(ctx, MetaTextLayerFrom, strconv.Itoa(from)); err != nil {
				return nil, err
			}
		}
	}
	if err := setMethod(ctx, sink, method); err != nil {
		return nil, err
	}
	if err := e.runTextLayer(ctx, in, sink, pages, window); err != nil {
		return nil, err
	}
	return &core.ExtractResult{Method: method, Pages: pages}, nil
}

func textLayerMethod(method string) bool {
	return method == MethodPDFTextFallback || method == MethodPDFOCRPartial
}

func (e *PDFExtractor) runOCR(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink, pages int, size int64, window int, log *zap.Logger) (string, error) {
	if !e.Limits.NeedsSplit(pages, size) {
		if err := setMethod(ctx, sink, MethodPDFOCR); err != nil {
			return "", err
		}
		text, err := e.ocrFile(ctx, in.Path)
		if err != nil {
			return "", err
		}
		if err := emitPages(ctx, sink, PageRange{From: 1, To: pages}, text, window); err != nil {
			return "", err
		}
		return MethodPDFOCR, nil
	}

	if err := setMethod(ctx, sink, MethodPDFOCRSplit); err != nil {
		return "", err
	}
	plan := PlanSplits(pages, size, e.Limits.SafeBytes(), e.Limits.MaxPages)
	start := sink.State().Progress.LastOCRChunk
	log.Info("PDFExtractor: OCR in splits", zap.Int("splits", len(plan)), zap.Int("resume_at", start))

	for i := start; i < len(plan); i++ {
		r := plan[i]
		out := filepath.Join(in.WorkDir, fmt.Sprintf("split-%04d.pdf", i))
		if err := e.trim(in.Path, out, r); err != nil {
			return "", errs.Wrap(errs.CodeOCRFailed, err, "split pages %s", r.Selector())
		}
		text, err := e.ocrFile(ctx, out)
		_ = os.Remove(out)
		if err != nil {
			return "", err
		}
		if err := emitPages(ctx, sink, r, text, window); err != nil {
			return "", err
		}
		done := i + 1
		if err := sink.UpdateProgress(ctx, func(p *models.Progress) {
			if done > p.LastOCRChunk {
				p.LastOCRChunk = done
			}
		}); err != nil {
			return "", err
		}
		log.Debug("PDFExtractor: split done", zap.Int("split", done), zap.String("pages", r.Selector()))
	}
	return MethodPDFOCRSplit, nil
}

func (e *PDFExtractor) ocrFile(ctx context.Context, path string) (string, error) {
	var text string
	err := resilience.Call(ctx, e.Policy, e.Gate, func(ctx context.Context) error {
		t, err := e.OCR.OCRFile(ctx, path, "application/pdf")
		if err != nil {
			return err
		}
		text = t
		return nil
	})
	if err != nil {
		return "", errs.Wrap(errs.CodeOCRFailed, err, "ocr %s", filepath.Base(path))
	}
	if strings.TrimSpace(strings.ReplaceAll(text, pageBreak, "")) == "" {
		return "", errs.New(errs.CodeOCRFailed, "ocr returned no text for %s", filepath.Base(path))
	}
	return text, nil
}

// emitPages hands OCR output for r to the sink in page windows. When the
// provider did not separate pages the whole range is one segment.
func emitPages(ctx context.Context, sink core.ExtractionSink, r PageRange, text string, window int) error {
	pages := strings.Split(text, pageBreak)
	if len(pages) != r.Pages() {
		return sink.Emit(ctx, core.Segment{Unit: r.To, Pages: r.Pages(), Text: strings.TrimSpace(text)})
	}
	for off := 0; off < len(pages); off += window {
		end := off + window
		if end > len(pages) {
			end = len(pages)
		}
		seg := core.Segment{
			Unit:  r.From + end - 1,
			Pages: end - off,
			Text:  strings.TrimSpace(strings.Join(pages[off:end], "\n\n")),
		}
		if err := sink.Emit(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

// runTextLayer extracts the embedded text of every page not yet handed to
// the chunker, in page windows.
func (e *PDFExtractor) runTextLayer(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink, pages, window int) error {
	st := sink.State()
	from := st.Progress.LastExtractedPage + 1
	if from > pages {
		return nil
	}

	var (
		buf      []string
		winStart = from
		emitted  bool
	)
	flush := func(last int) error {
		text := strings.TrimSpace(strings.Join(buf, "\n\n"))
		n := last - winStart + 1
		buf = buf[:0]
		winStart = last + 1
		if n <= 0 {
			return nil
		}
		if text != "" {
			emitted = true
		}
		return sink.Emit(ctx, core.Segment{Unit: last, Pages: n, Text: text})
	}

	err := e.textLayer(ctx, in.Path, from, func(page int, text string) error {
		buf = append(buf, text)
		if page-winStart+1 >= window {
			return flush(page)
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.CodeExtractionFailed, err, "read pdf text layer")
	}
	if len(buf) > 0 {
		if err := flush(winStart + len(buf) - 1); err != nil {
			return err
		}
	}
	if !emitted && st.Progress.ChunksGenerated == 0 {
		return errs.New(errs.CodeExtractionFailed, "pdf has no text layer and OCR is unavailable")
	}
	return nil
}

func setMethod(ctx context.Context, sink core.ExtractionSink, method string) error {
	if sink.State().Metadata[MetaExtractionMethod] == method {
		return nil
	}
	return sink.SetMetadata(ctx, MetaExtractionMethod, method)
}
