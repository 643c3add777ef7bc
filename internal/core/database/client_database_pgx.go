package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/docstream/internal/config"
	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/models"
)

type DatabaseClient struct {
	db  *sql.DB
	dim int
	log *zap.Logger
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config, log *zap.Logger) (core.VectorStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// Ensure bootstrap once
	if err := EnsureBootstrapped(ctx, db, cfg.EmbedDim, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db, dim: cfg.EmbedDim, log: log}, nil
}

// buildDSN appends verify-ca SSL parameters when a root certificate is configured.
func buildDSN(databaseURL, sslCertPath string) (string, error) {
	if databaseURL == "" {
		return "", errs.New(errs.CodeMissingConfig, "DATABASE_URL is empty")
	}
	if sslCertPath == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(sslCertPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", sslCertPath, err)
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", sslCertPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

const upsertPoint = `
	INSERT INTO vector_points
		(id, owner_id, scope_id, document_id, chunk_index, text, metadata, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	ON CONFLICT (id) DO UPDATE SET
		chunk_index = EXCLUDED.chunk_index,
		text        = EXCLUDED.text,
		metadata    = EXCLUDED.metadata,
		embedding   = EXCLUDED.embedding,
		updated_at  = now()
`

// UpsertPoints writes points in a single transaction. Existing ids are
// overwritten, so replaying a batch leaves the table unchanged.
func (c *DatabaseClient) UpsertPoints(ctx context.Context, points []models.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	for i := range points {
		if len(points[i].Vector) != c.dim {
			return errs.New(errs.CodeUpsertFailed, "point %s has %d dimensions, store expects %d", points[i].ID, len(points[i].Vector), c.dim)
		}
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return classify(err, "begin upsert")
	}

	stmt, err := tx.PrepareContext(ctx, upsertPoint)
	if err != nil {
		_ = tx.Rollback()
		return classify(err, "prepare upsert")
	}
	defer stmt.Close()

	for i := range points {
		p := &points[i]
		meta, err := json.Marshal(orEmpty(p.Metadata))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.OwnerID, p.ScopeID, p.DocumentID, p.ChunkIndex, p.Text, string(meta), pgvector.NewVector(p.Vector),
		); err != nil {
			_ = tx.Rollback()
			return classify(err, "upsert point")
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "commit upsert")
	}
	return nil
}

// Search returns the closest points by cosine distance within the owner and,
// when set, the scope. Score is the cosine similarity.
func (c *DatabaseClient) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchHit, error) {
	if q.OwnerID == "" {
		return nil, errs.New(errs.CodeInvalidPayload, "search requires an owner")
	}
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	const query = `
		SELECT id, owner_id, scope_id, document_id, chunk_index, text, metadata,
		       1 - (embedding <=> $1) AS score
		FROM vector_points
		WHERE owner_id = $2 AND ($3 = '' OR scope_id = $3)
		ORDER BY embedding <=> $1
		LIMIT $4
	`
	rows, err := c.db.QueryContext(ctx, query, pgvector.NewVector(q.Vector), q.OwnerID, q.ScopeID, limit)
	if err != nil {
		return nil, classify(err, "search")
	}
	defer rows.Close()

	var out []models.SearchHit
	for rows.Next() {
		var (
			h    models.SearchHit
			meta []byte
		)
		if err := rows.Scan(
			&h.Point.ID, &h.Point.OwnerID, &h.Point.ScopeID, &h.Point.DocumentID,
			&h.Point.ChunkIndex, &h.Point.Text, &meta, &h.Score,
		); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &h.Point.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) CountPoints(ctx context.Context, ownerID, scopeID, documentID string) (int, error) {
	const q = `
		SELECT count(*) FROM vector_points
		WHERE owner_id = $1 AND scope_id = $2 AND document_id = $3
	`
	var n int
	if err := c.db.QueryRowContext(ctx, q, ownerID, scopeID, documentID).Scan(&n); err != nil {
		return 0, classify(err, "count points")
	}
	return n, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// classify maps Postgres failures onto the error taxonomy so the upsert
// policy can tell transient pressure from bad data.
func classify(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53300", "53400", "57P03":
			return errs.Wrap(errs.CodeServiceUnavailable, err, "%s", op)
		case "40001", "40P01":
			return errs.Wrap(errs.CodeRateLimited, err, "%s", op)
		case "54000":
			return errs.Wrap(errs.CodeBatchTooLarge, err, "%s", op)
		}
		return errs.Wrap(errs.CodeUpsertFailed, err, "%s", op)
	}
	if c := errs.Classify(err, errs.CodeUpsertFailed); c.Code != errs.CodeUpsertFailed {
		return errs.Wrap(c.Code, err, "%s", op)
	}
	return errs.Wrap(errs.CodeUpsertFailed, err, "%s", op)
}
