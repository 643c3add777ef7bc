package ingestion_engine

import (
	"strings"
	"unicode/utf8"

	"github.com/markdave123-py/docstream/internal/models"
)

const (
	DefaultMaxTokens    = 512
	DefaultOverlapRatio = 0.1
	maxOverlapRatio     = 0.5
)

// Chunker groups extracted text into token-bounded chunks. Consecutive chunks
// share a tail of roughly overlapTokens tokens for context bleed.
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

// NewChunker builds a chunker. Zero values fall back to the defaults and the
// overlap is capped at half a chunk.
func NewChunker(maxTokens int, overlapRatio float64) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if overlapRatio < 0 {
		overlapRatio = 0
	}
	if overlapRatio > maxOverlapRatio {
		overlapRatio = maxOverlapRatio
	}
	return &Chunker{
		maxTokens:     maxTokens,
		overlapTokens: int(float64(maxTokens) * overlapRatio),
	}
}

// piece is a fragment of a line. cont marks a piece that continues the line
// of the previous piece.
type piece struct {
	text   string
	tokens int
	cont   bool
}

// Split chunks text, numbering chunks from start. The same text and start
// always produce the same chunks.
func (c *Chunker) Split(text string, start int) []models.Chunk {
	var (
		out    []models.Chunk
		buf    []piece
		tokSum int
		fresh  int
	)

	// flush emits the buffer as a chunk and keeps a tail of at most
	// overlapTokens as the seed of the next one.
	flush := func() {
		if fresh == 0 {
			return
		}
		out = append(out, models.Chunk{Index: start + len(out), Text: join(buf)})

		keep := 0
		remain := c.overlapTokens
		for j := len(buf) - 1; j >= 0 && buf[j].tokens <= remain; j-- {
			remain -= buf[j].tokens
			keep++
		}
		buf = append(buf[:0:0], buf[len(buf)-keep:]...)
		if len(buf) > 0 {
			buf[0].cont = false
		}
		tokSum = c.overlapTokens - remain
		fresh = 0
	}

	for _, p := range c.pieces(text) {
		if tokSum > 0 && tokSum+p.tokens > c.maxTokens {
			flush()
		}
		buf = append(buf, p)
		tokSum += p.tokens
		fresh++
	}
	flush()
	return out
}

// pieces splits text into lines, and lines longer than a quarter chunk into
// word groups, so that every piece fits well inside one chunk.
func (c *Chunker) pieces(text string) []piece {
	limit := max(c.maxTokens/4, 1)
	var out []piece
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if t := approxTokens(line); t <= limit {
			out = append(out, piece{text: line, tokens: t})
			continue
		}

		var (
			cur   strings.Builder
			first = true
		)
		emit := func() {
			if cur.Len() == 0 {
				return
			}
			s := cur.String()
			out = append(out, piece{text: s, tokens: approxTokens(s), cont: !first})
			first = false
			cur.Reset()
		}
		for _, word := range strings.Fields(line) {
			for _, w := range splitWord(word, limit*4) {
				if cur.Len() > 0 && approxTokens(cur.String())+approxTokens(w)+1 > limit {
					emit()
				}
				if cur.Len() > 0 {
					cur.WriteByte(' ')
				}
				cur.WriteString(w)
			}
		}
		emit()
	}
	return out
}

// splitWord cuts a word longer than maxRunes into runs of maxRunes.
func splitWord(w string, maxRunes int) []string {
	if utf8.RuneCountInString(w) <= maxRunes {
		return []string{w}
	}
	var out []string
	r := []rune(w)
	for len(r) > maxRunes {
		out = append(out, string(r[:maxRunes]))
		r = r[maxRunes:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}

func join(buf []piece) string {
	var b strings.Builder
	for i, p := range buf {
		if i > 0 {
			if p.cont {
				b.WriteByte(' ')
			} else {
				b.WriteByte('\n')
			}
		}
		b.WriteString(p.text)
	}
	return b.String()
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
