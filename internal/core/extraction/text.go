package extraction

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
)

const (
	MethodText        = "txt-text"
	MethodOffice      = "office-text"
	MethodSpreadsheet = "xlsx-text"
	MethodCSV         = "csv-text"
	MethodHTML        = "html-text"

	// defaultSegmentChars bounds how much text is handed to the chunker at once.
	defaultSegmentChars = 32 * 1024
	csvRowsPerSegment   = 200
)

// segmenter groups lines into bounded segments and emits them in order. Units
// are 1-based ordinals, so the same input always yields the same units.
type segmenter struct {
	sink  core.ExtractionSink
	limit int
	unit  int
	buf   strings.Builder
	any   bool
}

func newSegmenter(sink core.ExtractionSink, limit int) *segmenter {
	if limit <= 0 {
		limit = defaultSegmentChars
	}
	return &segmenter{sink: sink, limit: limit}
}

func (s *segmenter) writeLine(ctx context.Context, line string) error {
	if s.buf.Len() > 0 && s.buf.Len()+len(line)+1 > s.limit {
		if err := s.flush(ctx); err != nil {
			return err
		}
	}
	if s.buf.Len() > 0 {
		s.buf.WriteByte('\n')
	}
	s.buf.WriteString(line)
	return nil
}

// writeText splits text on newlines and writes each line.
func (s *segmenter) writeText(ctx context.Context, text string) error {
	for _, line := range strings.Split(text, "\n") {
		if err := s.writeLine(ctx, strings.TrimRight(line, "\r")); err != nil {
			return err
		}
	}
	return nil
}

func (s *segmenter) flush(ctx context.Context) error {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if text == "" {
		return nil
	}
	s.unit++
	s.any = true
	return s.sink.Emit(ctx, core.Segment{Unit: s.unit, Text: text})
}

// close flushes the remainder and fails when nothing was extracted at all.
func (s *segmenter) close(ctx context.Context, what string) error {
	if err := s.flush(ctx); err != nil {
		return err
	}
	if !s.any {
		return errs.New(errs.CodeExtractionFailed, "no text extracted from %s", what)
	}
	return nil
}

// TextExtractor passes plain text through. With lenient set it is the
// default attempt for unrecognised text-like types.
type TextExtractor struct {
	SegmentChars int
	lenient      bool
}

func (e *TextExtractor) Extract(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink) (*core.ExtractResult, error) {
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	head := make([]byte, 8*1024)
	n, _ := io.ReadFull(f, head)
	if e.lenient && !looksLikeText(head[:n]) {
		return nil, errs.New(errs.CodeUnsupportedMimeType, "%s is not text", in.MimeType)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind source: %w", err)
	}

	seg := newSegmenter(sink, e.SegmentChars)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			line = strings.ToValidUTF8(strings.TrimRight(line, "\r\n"), "")
			if werr := seg.writeLine(ctx, line); werr != nil {
				return nil, werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read source: %w", err)
		}
	}
	if err := seg.close(ctx, in.FileName); err != nil {
		return nil, err
	}
	return &core.ExtractResult{Method: MethodText}, nil
}

func looksLikeText(b []byte) bool {
	if bytes.IndexByte(b, 0) >= 0 {
		return false
	}
	// Allow a rune cut at the buffer edge.
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		if utf8.Valid(b) {
			return true
		}
		b = b[:len(b)-1]
	}
	return utf8.Valid(b)
}

// CSVExtractor renders rows as "header: value" lines so every chunk keeps
// the column names.
type CSVExtractor struct {
	SegmentChars int
}

func (e *CSVExtractor) Extract(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink) (*core.ExtractResult, error) {
	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, errs.New(errs.CodeExtractionFailed, "empty csv %s", in.FileName)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeMalformedInput, err, "read csv header")
	}

	seg := newSegmenter(sink, e.SegmentChars)
	rows := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.CodeMalformedInput, err, "read csv row %d", rows+2)
		}
		if err := seg.writeLine(ctx, formatRow(header, rec)); err != nil {
			return nil, err
		}
		rows++
		if rows%csvRowsPerSegment == 0 {
			if err := seg.flush(ctx); err != nil {
				return nil, err
			}
		}
	}
	if rows == 0 {
		if err := seg.writeLine(ctx, strings.Join(header, " | ")); err != nil {
			return nil, err
		}
	}
	if err := seg.close(ctx, in.FileName); err != nil {
		return nil, err
	}
	return &core.ExtractResult{Method: MethodCSV}, nil
}

func formatRow(header, rec []string) string {
	parts := make([]string, 0, len(rec))
	for i, v := range rec {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			parts = append(parts, strings.TrimSpace(header[i])+": "+v)
		} else {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " | ")
}

// HTMLExtractor sanitises markup and converts it to markdown, keeping
// headings, lists and tables readable for embedding.
type HTMLExtractor struct {
	SegmentChars int
	policy       *bluemonday.Policy
	conv         *htmltomarkdown.Converter
}

func NewHTMLExtractor(segmentChars int) *HTMLExtractor {
	return &HTMLExtractor{
		SegmentChars: segmentChars,
		policy:       bluemonday.UGCPolicy(),
		conv: htmltomarkdown.NewConverter(
			htmltomarkdown.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

func (e *HTMLExtractor) Extract(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink) (*core.ExtractResult, error) {
	raw, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	clean := e.policy.SanitizeBytes(raw)
	md, err := e.conv.ConvertString(string(clean))
	if err != nil {
		return nil, errs.Wrap(errs.CodeMalformedInput, err, "convert html")
	}

	seg := newSegmenter(sink, e.SegmentChars)
	if err := seg.writeText(ctx, md); err != nil {
		return nil, err
	}
	if err := seg.close(ctx, in.FileName); err != nil {
		return nil, err
	}
	return &core.ExtractResult{Method: MethodHTML}, nil
}
