package scratch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/markdave123-py/docstream/internal/models"
)

const (
	chunkLedger     = "chunks.jsonl"
	embeddingLedger = "embeddings.jsonl"
	sourcePrefix    = "source"
	workDir         = "work"
)

var safeJobID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Store hands out one scratch area per job under a root directory.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("scratch root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	return &Store{root: root}, nil
}

// Area returns the scratch area of jobID, creating it if needed.
func (s *Store) Area(jobID string) (*Area, error) {
	if !safeJobID.MatchString(jobID) {
		return nil, fmt.Errorf("invalid job id %q for scratch area", jobID)
	}
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(filepath.Join(dir, workDir), 0o755); err != nil {
		return nil, fmt.Errorf("create scratch area: %w", err)
	}
	return &Area{dir: dir}, nil
}

// Exists reports whether jobID has a scratch area on disk.
func (s *Store) Exists(jobID string) bool {
	if !safeJobID.MatchString(jobID) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.root, jobID))
	return err == nil
}

// Destroy removes the scratch area of jobID. Missing areas are not an error.
func (s *Store) Destroy(jobID string) error {
	if !safeJobID.MatchString(jobID) {
		return fmt.Errorf("invalid job id %q for scratch area", jobID)
	}
	return os.RemoveAll(filepath.Join(s.root, jobID))
}

// Area is the disk-backed scratch space of a single job: the source file, the
// chunk ledger and the embeddings ledger. Ledgers are append-only JSON lines;
// a torn final line left by a crash is ignored on read.
type Area struct {
	dir string
}

func (a *Area) Dir() string { return a.dir }

// WorkDir is a subdirectory for intermediate files such as PDF splits.
func (a *Area) WorkDir() string { return filepath.Join(a.dir, workDir) }

// SourcePath returns where the downloaded source lives. ext keeps the original
// extension so content sniffing and converters see it.
func (a *Area) SourcePath(ext string) string {
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	return filepath.Join(a.dir, sourcePrefix+ext)
}

// Exists reports whether path exists and returns its size.
func (a *Area) Exists(path string) (int64, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

// WriteSource writes a raw payload as the source file.
func (a *Area) WriteSource(ext string, data []byte) (string, error) {
	path := a.SourcePath(ext)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write source: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename source: %w", err)
	}
	return path, nil
}

func (a *Area) Destroy() error {
	return os.RemoveAll(a.dir)
}

// AppendChunks appends chunks to the chunk ledger and syncs the file.
func (a *Area) AppendChunks(chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return appendLines(filepath.Join(a.dir, chunkLedger), len(chunks), func(i int) any { return chunks[i] })
}

// ReadChunks returns up to limit chunks with Index >= from, in ledger order.
// A non-positive limit reads to the end.
func (a *Area) ReadChunks(from, limit int) ([]models.Chunk, error) {
	var out []models.Chunk
	err := a.EachChunk(context.Background(), from, func(c models.Chunk) error {
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return out, err
}

// EachChunk streams the chunk ledger from index from onward.
func (a *Area) EachChunk(ctx context.Context, from int, fn func(models.Chunk) error) error {
	return eachLine(ctx, filepath.Join(a.dir, chunkLedger), func(line []byte) error {
		var c models.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("decode chunk record: %w", err)
		}
		if c.Index < from {
			return nil
		}
		return fn(c)
	})
}

// CountChunks returns the number of complete records in the chunk ledger.
func (a *Area) CountChunks() (int, error) {
	n := 0
	err := a.EachChunk(context.Background(), 0, func(models.Chunk) error { n++; return nil })
	return n, err
}

// TruncateChunks drops every chunk record with Index >= keep. It reconciles
// the ledger with the persisted chunk watermark after a crash.
func (a *Area) TruncateChunks(keep int) error {
	return rewrite(filepath.Join(a.dir, chunkLedger), func(line []byte) (bool, error) {
		var c models.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return false, fmt.Errorf("decode chunk record: %w", err)
		}
		return c.Index < keep, nil
	})
}

// AppendEmbeddings appends embedded chunks to the embeddings ledger.
func (a *Area) AppendEmbeddings(items []models.EmbeddedChunk) error {
	if len(items) == 0 {
		return nil
	}
	return appendLines(filepath.Join(a.dir, embeddingLedger), len(items), func(i int) any { return items[i] })
}

// LoadEmbeddings returns embedded chunks with from <= Index < to, keyed by
// index. Later records win over earlier ones for the same index.
func (a *Area) LoadEmbeddings(from, to int) (map[int]models.EmbeddedChunk, error) {
	out := make(map[int]models.EmbeddedChunk)
	err := eachLine(context.Background(), filepath.Join(a.dir, embeddingLedger), func(line []byte) error {
		var e models.EmbeddedChunk
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode embedding record: %w", err)
		}
		if e.Index >= from && e.Index < to {
			out[e.Index] = e
		}
		return nil
	})
	return out, err
}

// TruncateEmbeddings drops every embedding record with Index >= keep.
func (a *Area) TruncateEmbeddings(keep int) error {
	return rewrite(filepath.Join(a.dir, embeddingLedger), func(line []byte) (bool, error) {
		var e struct {
			Index int `json:"index"`
		}
		if err := json.Unmarshal(line, &e); err != nil {
			return false, fmt.Errorf("decode embedding record: %w", err)
		}
		return e.Index < keep, nil
	})
}

var errStop = errors.New("stop")

func appendLines(path string, n int, item func(int) any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := 0; i < n; i++ {
		if err := enc.Encode(item(i)); err != nil {
			return fmt.Errorf("encode ledger record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// eachLine calls fn for every newline-terminated line of path. A trailing
// line without a newline is a torn write and is skipped.
func eachLine(ctx context.Context, path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}

func rewrite(path string, keep func([]byte) (bool, error)) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create ledger rewrite: %w", err)
	}
	w := bufio.NewWriter(out)

	err = eachLine(context.Background(), path, func(line []byte) error {
		ok, err := keep(line)
		if err != nil || !ok {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		return w.WriteByte('\n')
	})
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rewrite ledger: %w", err)
	}
	return os.Rename(tmp, path)
}
