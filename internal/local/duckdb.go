package local

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"

	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

// columnTypes are the DuckDB types of models.Columns, in order.
var columnTypes = map[string]string{
	"doc_upload_date": "TIMESTAMP",
	"parsed":          "BOOLEAN",
}

// DB is one DuckDB database shared by the sink and the job store. Appends go
// through a dedicated connection; queries use the pooled handle.
type DB struct {
	connector *duckdb.Connector
	sql       *sql.DB

	mu   sync.Mutex
	conn driver.Conn
}

// OpenDB opens the database at path. An empty path opens an in-memory database.
func OpenDB(ctx context.Context, path string) (*DB, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create duckdb connector for %s: %w", path, err)
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		connector.Close()
		return nil, fmt.Errorf("failed to connect to duckdb at %s: %w", path, err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		conn.Close()
		connector.Close()
		return nil, fmt.Errorf("failed to ping duckdb at %s: %w", path, err)
	}
	return &DB{connector: connector, sql: db, conn: conn}, nil
}

// Close releases the append connection, the pool and the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.conn.Close(), d.sql.Close(), d.connector.Close())
}

// quoteIdent quotes a table name as a single identifier, dots included.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// DuckDBSink is a TableSink over a DuckDB database. Extracted shards are
// written into an FSStore so the exporter can compose them.
type DuckDBSink struct {
	db      *DB
	exports *FSStore
	log     *slog.Logger
}

// NewDuckDBSink returns a sink writing its shards into exports.
func NewDuckDBSink(db *DB, exports *FSStore, logger *slog.Logger) *DuckDBSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDBSink{db: db, exports: exports, log: logger}
}

// CreateTable creates the table with the canonical columns. An existing table
// is reported as pipeline.ErrTableExists.
func (s *DuckDBSink) CreateTable(ctx context.Context, table string) error {
	colDefs := make([]string, len(models.Columns))
	for i, col := range models.Columns {
		typ, ok := columnTypes[col]
		if !ok {
			typ = "VARCHAR"
		}
		colDefs[i] = fmt.Sprintf("%s %s", quoteIdent(col), typ)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s);", quoteIdent(table), strings.Join(colDefs, ", "))

	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	_, err := s.db.sql.ExecContext(ctx, stmt)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("table %s: %w", table, pipeline.ErrTableExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	s.log.Debug("Created table.", "table", table)
	return nil
}

// AppendRows appends rows through a DuckDB appender in one flush.
func (s *DuckDBSink) AppendRows(_ context.Context, table string, rows []models.FlatRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	appender, err := duckdb.NewAppenderFromConn(s.db.conn, "", table)
	if err != nil {
		return fmt.Errorf("failed to create appender for %s: %w", table, err)
	}
	values := make([]driver.Value, len(models.Columns))
	for _, r := range rows {
		for i, v := range r.Values() {
			values[i] = v
		}
		if err := appender.AppendRow(values...); err != nil {
			appender.Close()
			return fmt.Errorf("failed to append row for %s to %s: %w", r.DocName, table, err)
		}
	}
	if err := appender.Close(); err != nil {
		return fmt.Errorf("failed to flush %d rows into %s: %w", len(rows), table, err)
	}
	return nil
}

// CountProcessed counts the distinct documents in the table.
func (s *DuckDBSink) CountProcessed(ctx context.Context, table string) (int64, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(DISTINCT doc_name) FROM %s;", quoteIdent(table))
	if err := s.db.sql.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents in %s: %w", table, err)
	}
	return n, nil
}

// ExtractToShards copies the table into a single tab separated shard named
// prefix000000000000.csv, without a header.
func (s *DuckDBSink) ExtractToShards(ctx context.Context, table, prefix string) error {
	name := prefix + "000000000000.csv"
	out := s.exports.Path(name)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	cols := make([]string, len(models.Columns))
	for i, col := range models.Columns {
		cols[i] = quoteIdent(col)
	}
	stmt := fmt.Sprintf("COPY (SELECT %s FROM %s ORDER BY doc_name, name) TO %s (FORMAT CSV, HEADER false, DELIMITER '\t');",
		strings.Join(cols, ", "), quoteIdent(table), quoteLiteral(out))

	s.log.Debug("Executing COPY TO command.", "table", table, "output_path", out)
	if _, err := s.db.sql.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", table, name, err)
	}
	return nil
}

const jobsTableSQL = `
CREATE TABLE IF NOT EXISTS pipeline_jobs (
    run_id     VARCHAR PRIMARY KEY,
    state      VARCHAR NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    body       VARCHAR NOT NULL
);`

// DuckDBJobStore keeps one row per pipeline run.
type DuckDBJobStore struct {
	db *DB
}

// NewDuckDBJobStore creates the jobs table if needed.
func NewDuckDBJobStore(ctx context.Context, db *DB) (*DuckDBJobStore, error) {
	if _, err := db.sql.ExecContext(ctx, jobsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}
	return &DuckDBJobStore{db: db}, nil
}

// Save replaces the run's row.
func (s *DuckDBJobStore) Save(ctx context.Context, job *models.PipelineJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.RunID, err)
	}
	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.sql.ExecContext(ctx,
		`INSERT OR REPLACE INTO pipeline_jobs (run_id, state, updated_at, body) VALUES (?, ?, ?, ?);`,
		job.RunID, job.State, updated.UTC(), string(body))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.RunID, err)
	}
	return nil
}

// Get loads a run's row.
func (s *DuckDBJobStore) Get(ctx context.Context, runID string) (*models.PipelineJob, error) {
	var body string
	err := s.db.sql.QueryRowContext(ctx, `SELECT body FROM pipeline_jobs WHERE run_id = ?;`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", runID, pipeline.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", runID, err)
	}
	var job models.PipelineJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", runID, err)
	}
	return &job, nil
}

// List returns every run, most recently updated first.
func (s *DuckDBJobStore) List(ctx context.Context) ([]*models.PipelineJob, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT body FROM pipeline_jobs ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.PipelineJob
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var job models.PipelineJob
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
