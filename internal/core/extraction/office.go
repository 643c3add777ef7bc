package extraction

import (
	"context"
	"fmt"
	"os"
	"strings"

	"code.sajari.com/docconv"
	"github.com/xuri/excelize/v2"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
)

// OfficeExtractor handles word-processor and presentation formats through docconv.
type OfficeExtractor struct {
	SegmentChars   int
	UseReadability bool
}

func (e *OfficeExtractor) Extract(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink) (*core.ExtractResult, error) {
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	res, err := docconv.Convert(f, in.MimeType, e.UseReadability)
	if err != nil {
		return nil, errs.Wrap(errs.CodeExtractionFailed, err, "docconv %s", in.MimeType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seg := newSegmenter(sink, e.SegmentChars)
	for _, line := range strings.Split(res.Body, "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		if err := seg.writeLine(ctx, line); err != nil {
			return nil, err
		}
	}
	if err := seg.close(ctx, in.FileName); err != nil {
		return nil, err
	}
	return &core.ExtractResult{Method: MethodOffice}, nil
}

// SpreadsheetExtractor reads every sheet of an xlsx workbook. Each sheet
// starts a new segment and rows keep their column headers.
type SpreadsheetExtractor struct {
	SegmentChars int
}

func (e *SpreadsheetExtractor) Extract(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink) (*core.ExtractResult, error) {
	wb, err := excelize.OpenFile(in.Path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeMalformedInput, err, "open workbook")
	}
	defer wb.Close()

	seg := newSegmenter(sink, e.SegmentChars)
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.Rows(sheet)
		if err != nil {
			return nil, errs.Wrap(errs.CodeMalformedInput, err, "read sheet %q", sheet)
		}

		if err := seg.writeLine(ctx, "# "+sheet); err != nil {
			_ = rows.Close()
			return nil, err
		}
		var header []string
		n := 0
		for rows.Next() {
			cols, err := rows.Columns()
			if err != nil {
				_ = rows.Close()
				return nil, errs.Wrap(errs.CodeMalformedInput, err, "read sheet %q", sheet)
			}
			if header == nil {
				header = cols
				if err := seg.writeLine(ctx, strings.Join(cols, " | ")); err != nil {
					_ = rows.Close()
					return nil, err
				}
				continue
			}
			if line := formatRow(header, cols); line != "" {
				if err := seg.writeLine(ctx, line); err != nil {
					_ = rows.Close()
					return nil, err
				}
			}
			n++
			if n%csvRowsPerSegment == 0 {
				if err := seg.flush(ctx); err != nil {
					_ = rows.Close()
					return nil, err
				}
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("close rows: %w", err)
		}
		if err := seg.flush(ctx); err != nil {
			return nil, err
		}
	}
	if err := seg.close(ctx, in.FileName); err != nil {
		return nil, err
	}
	return &core.ExtractResult{Method: MethodSpreadsheet}, nil
}
