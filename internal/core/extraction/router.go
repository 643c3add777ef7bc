package extraction

import (
	"context"

	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/resilience"
)

// Router picks an extraction strategy from the resolved MIME type.
type Router struct {
	Text        *TextExtractor
	DefaultText *TextExtractor
	Office      *OfficeExtractor
	Spreadsheet *SpreadsheetExtractor
	CSV         *CSVExtractor
	HTML        *HTMLExtractor
	PDF         *PDFExtractor
	Media       *MediaExtractor
	Log         *zap.Logger
}

// RouterOptions configures the strategies built by NewRouter.
type RouterOptions struct {
	OCR            core.OCRProvider
	OCRGate        *resilience.Gate
	Transcriber    core.Transcriber
	MediaGate      *resilience.Gate
	SegmentChars   int
	UseReadability bool
	Log            *zap.Logger
}

func NewRouter(opts RouterOptions) *Router {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	media := NewMediaExtractor(opts.Transcriber, opts.MediaGate, log)
	media.SegmentChars = opts.SegmentChars
	return &Router{
		Text:        &TextExtractor{SegmentChars: opts.SegmentChars},
		DefaultText: &TextExtractor{SegmentChars: opts.SegmentChars, lenient: true},
		Office:      &OfficeExtractor{SegmentChars: opts.SegmentChars, UseReadability: opts.UseReadability},
		Spreadsheet: &SpreadsheetExtractor{SegmentChars: opts.SegmentChars},
		CSV:         &CSVExtractor{SegmentChars: opts.SegmentChars},
		HTML:        NewHTMLExtractor(opts.SegmentChars),
		PDF:         NewPDFExtractor(opts.OCR, opts.OCRGate, log),
		Media:       media,
		Log:         log,
	}
}

// Precheck rejects types that can never be extracted before anything is
// downloaded. An empty or generic declared type passes; the type is
// resolved again from the file itself after download.
func (r *Router) Precheck(declared, fileName string) error {
	mt := DeclaredMime(declared, fileName)
	if mt == "" || mt == "application/octet-stream" {
		return nil
	}
	return rejection(Classify(mt), mt)
}

func rejection(k Kind, mt string) error {
	switch k {
	case KindLegacyDoc:
		return errs.New(errs.CodeUnsupportedLegacyFormat, "legacy word document %s", mt)
	case KindUnsupported:
		return errs.New(errs.CodeUnsupportedMimeType, "unsupported content type %q", mt)
	}
	return nil
}

func (r *Router) strategy(k Kind) core.DocumentExtractor {
	var x core.DocumentExtractor
	switch k {
	case KindText:
		if r.Text != nil {
			x = r.Text
		}
	case KindDefaultText:
		if r.DefaultText != nil {
			x = r.DefaultText
		}
	case KindOffice:
		if r.Office != nil {
			x = r.Office
		}
	case KindSpreadsheet:
		if r.Spreadsheet != nil {
			x = r.Spreadsheet
		}
	case KindCSV:
		if r.CSV != nil {
			x = r.CSV
		}
	case KindHTML:
		if r.HTML != nil {
			x = r.HTML
		}
	case KindPDF:
		if r.PDF != nil {
			x = r.PDF
		}
	case KindMedia:
		if r.Media != nil {
			x = r.Media
		}
	}
	return x
}

func (r *Router) Extract(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink) (*core.ExtractResult, error) {
	k := Classify(in.MimeType)
	if err := rejection(k, in.MimeType); err != nil {
		return nil, err
	}
	x := r.strategy(k)
	if x == nil {
		return nil, errs.New(errs.CodeMissingConfig, "no extractor configured for %s", k)
	}
	if r.Log != nil {
		r.Log.Debug("Router: extracting",
			zap.String("job_id", sink.State().JobID),
			zap.String("mime", in.MimeType),
			zap.Stringer("kind", k))
	}
	return x.Extract(ctx, in, sink)
}
