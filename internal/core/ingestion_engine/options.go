package ingestion_engine

import "github.com/markdave123-py/docstream/internal/models"

// IngestConfig tunes the pipeline. Per-job chunking options in the payload
// override the chunking fields.
//
// MaxTokens:     approximate tokens per chunk (e.g., 512).
// OverlapRatio:  share of MaxTokens repeated at the start of the next chunk (e.g., 0.1).
// PageWindow:    pages grouped into one extraction segment for paged documents.
// MaxFileBytes:  inline payloads above this size fail with FILE_TOO_LARGE (0 disables).
type IngestConfig struct {
	MaxTokens    int
	OverlapRatio float64
	PageWindow   int
	MaxFileBytes int64
}

const DefaultPageWindow = 10

func (c IngestConfig) withDefaults() IngestConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.OverlapRatio < 0 {
		c.OverlapRatio = DefaultOverlapRatio
	}
	if c.PageWindow <= 0 {
		c.PageWindow = DefaultPageWindow
	}
	return c
}

// forJob applies the payload's chunking overrides.
func (c IngestConfig) forJob(o *models.ChunkingOptions) IngestConfig {
	c = c.withDefaults()
	if o == nil {
		return c
	}
	if o.MaxTokens > 0 {
		c.MaxTokens = o.MaxTokens
	}
	if o.OverlapRatio > 0 {
		c.OverlapRatio = o.OverlapRatio
	}
	if o.PageWindow > 0 {
		c.PageWindow = o.PageWindow
	}
	return c
}
