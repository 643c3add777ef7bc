package db

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/models"
)

func TestInitSQLUsesDimension(t *testing.T) {
	script, err := initSQL(768)
	require.NoError(t, err)
	assert.Contains(t, script, "vector(768)")
	assert.NotContains(t, script, "{{")
	assert.True(t, strings.HasPrefix(script, "CREATE EXTENSION IF NOT EXISTS vector;"))

	_, err = initSQL(0)
	assert.Error(t, err)
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN("postgres://u:p@db:5432/docs", "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/docs", dsn)

	cert := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o600))
	dsn, err = buildDSN("postgres://u:p@db:5432/docs", cert)
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=verify-ca")
	assert.Contains(t, dsn, "sslrootcert=")

	_, err = buildDSN("", "")
	assert.Equal(t, errs.CodeMissingConfig, errs.CodeOf(err))

	_, err = buildDSN("postgres://db/docs", filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	busy := &pgconn.PgError{Code: "53300", Message: "too many connections"}
	assert.Equal(t, errs.CodeServiceUnavailable, errs.CodeOf(classify(busy, "upsert")))

	dup := &pgconn.PgError{Code: "22000", Message: "bad data"}
	assert.Equal(t, errs.CodeUpsertFailed, errs.CodeOf(classify(dup, "upsert")))

	assert.Equal(t, errs.CodeUpsertFailed, errs.CodeOf(classify(errors.New("boom"), "upsert")))
	assert.True(t, errs.IsRetryable(classify(errors.New("connection refused"), "upsert")))
}

func TestPointIDsAreStable(t *testing.T) {
	a := models.PointID("owner", "scope", "doc", 7)
	assert.Equal(t, a, models.PointID("owner", "scope", "doc", 7))
	assert.NotEqual(t, a, models.PointID("owner", "scope", "doc", 8))
	assert.NotEqual(t, a, models.PointID("owner", "other", "doc", 7))
	assert.Len(t, a, 36)
}

func TestPointIDsDoNotCollideAcrossFieldBoundaries(t *testing.T) {
	assert.NotEqual(t, models.PointID("a|b", "c", "doc", 0), models.PointID("a", "b|c", "doc", 0))
	assert.NotEqual(t, models.PointID("a", "bc", "doc", 0), models.PointID("ab", "c", "doc", 0))
	assert.NotEqual(t, models.PointID("a", "b", "c1", 1), models.PointID("a", "b", "c", 11))
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	c := &DatabaseClient{dim: 3}
	err := c.UpsertPoints(t.Context(), []models.VectorPoint{{ID: "x", Vector: []float32{1, 2}}})
	assert.Equal(t, errs.CodeUpsertFailed, errs.CodeOf(err))
}
