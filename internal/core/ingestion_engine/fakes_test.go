package ingestion_engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/models"
)

// fakeEmbedder returns a 2-dim vector per text. Batches larger than maxBatch
// fail with BATCH_TOO_LARGE (maxBatch < 0 disables the limit); failOn makes
// the n-th successful-size call fail with failErr.
type fakeEmbedder struct {
	mu       sync.Mutex
	maxBatch int
	failOn   map[int]error
	calls    int
	sizes    []int
	texts    []string
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{maxBatch: -1, failOn: map[int]error{}}
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, len(texts))
	if f.maxBatch >= 0 && len(texts) > f.maxBatch {
		return nil, errs.New(errs.CodeBatchTooLarge, "%d texts", len(texts))
	}
	f.calls++
	if err, ok := f.failOn[f.calls]; ok {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	f.texts = append(f.texts, texts...)
	return out, nil
}

func (f *fakeEmbedder) embedded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// fakeStore is an in-memory vector store that counts writes per point id.
type fakeStore struct {
	mu       sync.Mutex
	points   map[string]models.VectorPoint
	writes   map[string]int
	maxBatch int
	batches  []int
}

func newFakeStore() *fakeStore {
	return &fakeStore{points: map[string]models.VectorPoint{}, writes: map[string]int{}}
}

func (s *fakeStore) UpsertPoints(_ context.Context, points []models.VectorPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, len(points))
	if s.maxBatch > 0 && len(points) > s.maxBatch {
		return errs.New(errs.CodeBatchTooLarge, "%d points", len(points))
	}
	for _, p := range points {
		s.points[p.ID] = p
		s.writes[p.ID]++
	}
	return nil
}

func (s *fakeStore) Search(context.Context, models.SearchQuery) ([]models.SearchHit, error) {
	return nil, nil
}

func (s *fakeStore) CountPoints(_ context.Context, ownerID, scopeID, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.points {
		if p.OwnerID == ownerID && p.ScopeID == scopeID && p.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) byIndex() map[int]models.VectorPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]models.VectorPoint, len(s.points))
	for _, p := range s.points {
		out[p.ChunkIndex] = p
	}
	return out
}

func (s *fakeStore) maxWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := 0
	for _, n := range s.writes {
		m = max(m, n)
	}
	return m
}

type event struct {
	kind  string
	phase models.Phase
	body  any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *fakeNotifier) add(e event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *fakeNotifier) Progress(_ context.Context, _ models.CallbackTarget, ev models.ProgressEvent) error {
	return n.add(event{kind: "progress", phase: ev.Phase, body: ev})
}

func (n *fakeNotifier) Completed(_ context.Context, _ models.CallbackTarget, ev models.CompletedEvent) error {
	return n.add(event{kind: "completed", body: ev})
}

func (n *fakeNotifier) Failed(_ context.Context, _ models.CallbackTarget, ev models.FailedEvent) error {
	return n.add(event{kind: "failed", body: ev})
}

func (n *fakeNotifier) Transcript(_ context.Context, _ models.CallbackTarget, ev models.TranscriptEvent) error {
	return n.add(event{kind: "transcript", body: ev})
}

func (n *fakeNotifier) of(kind string) []event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []event
	for _, e := range n.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// memTracker applies progress updates with the same monotonicity checks as
// the job state store.
type memTracker struct {
	st *models.JobState
}

func newMemTracker() *memTracker {
	return &memTracker{st: &models.JobState{JobID: "job-1", Metadata: map[string]string{}}}
}

func (m *memTracker) State() *models.JobState { return m.st }

func (m *memTracker) UpdateProgress(_ context.Context, fn func(p *models.Progress)) error {
	next := m.st.Progress
	fn(&next)
	if name, bad := m.st.Progress.Regressed(next); bad {
		return fmt.Errorf("%s moved backwards", name)
	}
	if err := next.CheckInvariants(); err != nil {
		return err
	}
	m.st.Progress = next
	return nil
}

// sentences builds n lines of 16 runes (4 estimated tokens) each.
func sentences(from, n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("sentence %03d ok.", from+i)
	}
	return strings.Join(lines, "\n")
}
