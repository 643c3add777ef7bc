package extraction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/models"
)

// memSink mirrors the pipeline sink: it skips units already extracted and
// advances the extraction watermark with every segment.
type memSink struct {
	st          *models.JobState
	segments    []core.Segment
	transcripts []models.Transcript
}

func newMemSink(jobID string) *memSink {
	return &memSink{st: &models.JobState{JobID: jobID, Metadata: map[string]string{}}}
}

func (s *memSink) Emit(_ context.Context, seg core.Segment) error {
	if seg.Unit <= s.st.Progress.LastExtractedPage {
		return nil
	}
	s.segments = append(s.segments, seg)
	s.st.Progress.LastExtractedPage = seg.Unit
	s.st.Progress.PagesExtracted += seg.Pages
	if seg.Text != "" {
		s.st.Progress.ChunksGenerated++
		s.st.Progress.LastChunkIndex++
	}
	return nil
}

func (s *memSink) State() *models.JobState { return s.st }

func (s *memSink) SetMetadata(_ context.Context, key, value string) error {
	s.st.Metadata[key] = value
	return nil
}

func (s *memSink) UpdateProgress(_ context.Context, fn func(p *models.Progress)) error {
	fn(&s.st.Progress)
	return nil
}

func (s *memSink) Transcript(_ context.Context, t models.Transcript) error {
	s.transcripts = append(s.transcripts, t)
	return nil
}

func (s *memSink) units() []int {
	out := make([]int, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, seg.Unit)
	}
	return out
}

func (s *memSink) texts() []string {
	out := make([]string, 0, len(s.segments))
	for _, seg := range s.segments {
		out = append(out, seg.Text)
	}
	return out
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
