package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/resilience"
	"github.com/markdave123-py/docstream/internal/models"
)

const (
	MethodTranscription = "transcription"

	DefaultMinTranscriptChars = 10
	DefaultSegmentBytes       = 20 * MB
	lowConfidence             = 0.5

	transcriptFile = "transcript.json"
)

// MediaExtractor transcribes audio and video. The transcript is cached in the
// job's work directory so a resumed job does not pay for it twice.
type MediaExtractor struct {
	Transcriber        core.Transcriber
	Gate               *resilience.Gate
	Policy             resilience.Policy
	MinTranscriptChars int
	// SegmentBytes is the size above which files go through the provider's
	// upload path instead of being sent inline.
	SegmentBytes int64
	SegmentChars int
	Log          *zap.Logger
}

func NewMediaExtractor(t core.Transcriber, gate *resilience.Gate, log *zap.Logger) *MediaExtractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &MediaExtractor{
		Transcriber:        t,
		Gate:               gate,
		Policy:             resilience.Transcription,
		MinTranscriptChars: DefaultMinTranscriptChars,
		SegmentBytes:       DefaultSegmentBytes,
		Log:                log,
	}
}

func (e *MediaExtractor) Extract(ctx context.Context, in core.ExtractInput, sink core.ExtractionSink) (*core.ExtractResult, error) {
	if e.Transcriber == nil {
		return nil, errs.New(errs.CodeMissingConfig, "no transcription provider configured")
	}
	log := e.Log.With(zap.String("job_id", sink.State().JobID))

	t, err := e.transcript(ctx, in, log)
	if err != nil {
		return nil, err
	}

	if t.Confidence > 0 && t.Confidence < lowConfidence {
		log.Warn("MediaExtractor: low transcription confidence",
			zap.Float64("confidence", t.Confidence),
			zap.String("model", t.Model))
	}

	if err := sink.Transcript(ctx, *t); err != nil {
		return nil, err
	}

	seg := newSegmenter(sink, e.SegmentChars)
	if err := seg.writeText(ctx, t.Text); err != nil {
		return nil, err
	}
	if err := seg.close(ctx, in.FileName); err != nil {
		return nil, err
	}
	return &core.ExtractResult{Method: MethodTranscription}, nil
}

func (e *MediaExtractor) transcript(ctx context.Context, in core.ExtractInput, log *zap.Logger) (*models.Transcript, error) {
	cache := filepath.Join(in.WorkDir, transcriptFile)
	if t, ok := readTranscript(cache); ok {
		log.Info("MediaExtractor: reusing cached transcript")
		return t, nil
	}

	fi, err := os.Stat(in.Path)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	req := core.TranscribeRequest{
		Path:     in.Path,
		MimeType: in.MimeType,
		Upload:   e.SegmentBytes > 0 && fi.Size() > e.SegmentBytes,
	}
	if req.Upload {
		log.Info("MediaExtractor: large media, using upload path", zap.Int64("bytes", fi.Size()))
	}

	var t *models.Transcript
	err = resilience.Call(ctx, e.Policy, e.Gate, func(ctx context.Context) error {
		out, err := e.Transcriber.Transcribe(ctx, req)
		if err != nil {
			return err
		}
		t = out
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Classified provider errors keep their code.
		if ce, ok := errs.As(err); ok && ce.Code != errs.CodeUnknown {
			return nil, fmt.Errorf("transcribe %s: %w", in.FileName, err)
		}
		return nil, errs.Wrap(errs.CodeExtractionFailed, err, "transcribe %s", in.FileName)
	}

	min := e.MinTranscriptChars
	if min <= 0 {
		min = DefaultMinTranscriptChars
	}
	if t == nil || visibleChars(t.Text) < min {
		return nil, errs.New(errs.CodeTranscriptionEmpty, "transcript shorter than %d characters", min)
	}

	if in.WorkDir != "" {
		if err := writeTranscript(cache, t); err != nil {
			log.Warn("MediaExtractor: could not cache transcript", zap.Error(err))
		}
	}
	return t, nil
}

func visibleChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func readTranscript(path string) (*models.Transcript, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var t models.Transcript
	if err := json.Unmarshal(raw, &t); err != nil || strings.TrimSpace(t.Text) == "" {
		return nil, false
	}
	return &t, true
}

func writeTranscript(path string, t *models.Transcript) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
