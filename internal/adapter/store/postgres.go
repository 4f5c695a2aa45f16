package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/lib/pq"

	"pkb/internal/domain"
	"pkb/internal/port"
)

// PostgresVectorStore implements VectorStore on PostgreSQL with pgvector.
// Every collection is its own table, registered in <prefix>collections.
type PostgresVectorStore struct {
	db     *sql.DB
	prefix string

	mu      sync.RWMutex
	schemas map[string]domain.CollectionSchema
}

// NewPostgresVectorStore connects with a pool of at most poolSize
// connections and prepares the registry table.
func NewPostgresVectorStore(ctx context.Context, dsn, prefix string, poolSize int) (*PostgresVectorStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}

	s := &PostgresVectorStore{
		db:      db,
		prefix:  prefix,
		schemas: make(map[string]domain.CollectionSchema),
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, s.wrap("connect", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresVectorStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS ` + s.registry() + ` (
			name       TEXT PRIMARY KEY,
			dimension  INTEGER NOT NULL,
			metric     TEXT NOT NULL,
			index_kind TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.wrap("migrate", err)
		}
	}
	return nil
}

func (s *PostgresVectorStore) registry() string {
	return pq.QuoteIdentifier(s.prefix + "collections")
}

func (s *PostgresVectorStore) table(collection string) string {
	return pq.QuoteIdentifier(s.prefix + "c_" + collection)
}

// CreateCollection is idempotent for an identical schema.
func (s *PostgresVectorStore) CreateCollection(ctx context.Context, schema domain.CollectionSchema) error {
	if err := ValidateSchema(schema); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("begin tx", err)
	}
	defer tx.Rollback()

	// Serializes concurrent creators of the same name.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.prefix+schema.Name); err != nil {
		return s.wrap("lock collection", err)
	}

	existing, err := s.lookupSchema(ctx, tx, schema.Name)
	switch {
	case err == nil:
		if existing.Equal(schema) {
			return tx.Commit()
		}
		return fmt.Errorf("collection %s exists with dimension=%d metric=%s index=%s: %w",
			schema.Name, existing.Dimension, existing.Metric, existing.IndexKind, port.ErrAlreadyExists)
	case !errors.Is(err, port.ErrCollectionNotFound):
		return err
	}

	table := s.table(schema.Name)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			embedding  vector(%d) NOT NULL,
			text       TEXT NOT NULL DEFAULT '',
			metadata   JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, schema.Dimension),
	}
	if idx := indexDDL(schema, s.prefix); idx != "" {
		stmts = append(stmts, idx)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return s.wrap("create collection", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+s.registry()+` (name, dimension, metric, index_kind) VALUES ($1, $2, $3, $4)`,
		schema.Name, schema.Dimension, schema.Metric, schema.IndexKind,
	); err != nil {
		return s.wrap("register collection", err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap("commit", err)
	}

	s.mu.Lock()
	s.schemas[schema.Name] = schema
	s.mu.Unlock()
	return nil
}

func indexDDL(schema domain.CollectionSchema, prefix string) string {
	var method string
	switch schema.IndexKind {
	case domain.IndexHNSW:
		method = "hnsw"
	case domain.IndexIVFFlat:
		method = "ivfflat"
	default:
		return ""
	}
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING %s (embedding %s)`,
		pq.QuoteIdentifier(prefix+"c_"+schema.Name+"_embedding_idx"),
		pq.QuoteIdentifier(prefix+"c_"+schema.Name),
		method, opsClass(schema.Metric))
}

func opsClass(metric string) string {
	switch metric {
	case domain.MetricIP:
		return "vector_ip_ops"
	case domain.MetricL2:
		return "vector_l2_ops"
	default:
		return "vector_cosine_ops"
	}
}

// distanceSQL returns the pgvector distance operator and a score expression
// over it where higher is more similar. Ordering by distance ascending is
// ordering by score descending, which lets the index serve the query.
func distanceSQL(metric string) (op, scoreExpr string) {
	switch metric {
	case domain.MetricIP:
		return "<#>", "-(embedding <#> $1::vector)"
	case domain.MetricL2:
		return "<->", "1 / (1 + (embedding <-> $1::vector))"
	default:
		return "<=>", "1 - (embedding <=> $1::vector)"
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresVectorStore) lookupSchema(ctx context.Context, q queryer, name string) (domain.CollectionSchema, error) {
	schema := domain.CollectionSchema{Name: name}
	err := q.QueryRowContext(ctx,
		`SELECT dimension, metric, index_kind FROM `+s.registry()+` WHERE name = $1`, name,
	).Scan(&schema.Dimension, &schema.Metric, &schema.IndexKind)
	if errors.Is(err, sql.ErrNoRows) {
		return schema, fmt.Errorf("collection %s: %w", name, port.ErrCollectionNotFound)
	}
	if err != nil {
		return schema, s.wrap("lookup collection", err)
	}
	return schema, nil
}

func (s *PostgresVectorStore) schema(ctx context.Context, name string) (domain.CollectionSchema, error) {
	s.mu.RLock()
	schema, ok := s.schemas[name]
	s.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := s.lookupSchema(ctx, s.db, name)
	if err != nil {
		return schema, err
	}
	s.mu.Lock()
	s.schemas[name] = schema
	s.mu.Unlock()
	return schema, nil
}

// Upsert writes all items in one transaction. A dimension mismatch on any
// item fails the whole call without writing.
func (s *PostgresVectorStore) Upsert(ctx context.Context, collection string, items []domain.VectorItem) error {
	if len(items) == 0 {
		return nil
	}
	schema, err := s.schema(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDimensions(schema, items); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("begin tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+s.table(collection)+` (id, embedding, text, metadata, updated_at)
		VALUES ($1, $2::vector, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			text = EXCLUDED.text,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return s.wrap("prepare upsert", err)
	}
	defer stmt.Close()

	for _, item := range items {
		meta, err := json.Marshal(item.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata of %s: %w", item.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, item.ID, vectorToString(item.Vector), item.Text, meta); err != nil {
			return s.wrap("upsert "+item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.wrap("commit", err)
	}
	return nil
}

// Search runs one nearest-neighbour query per query vector.
func (s *PostgresVectorStore) Search(ctx context.Context, collection string, queries [][]float32, topK int, threshold *float64) ([][]domain.SearchResult, error) {
	if topK < 0 {
		return nil, fmt.Errorf("top_k must not be negative, got %d", topK)
	}
	schema, err := s.schema(ctx, collection)
	if err != nil {
		return nil, err
	}

	op, scoreExpr := distanceSQL(schema.Metric)
	query := `SELECT id, metadata, ` + scoreExpr + ` AS score FROM ` + s.table(collection)
	args := []any{nil, topK}
	if threshold != nil {
		query += ` WHERE ` + scoreExpr + ` >= $3`
		args = append(args, *threshold)
	}
	query += ` ORDER BY embedding ` + op + ` $1::vector, id LIMIT $2`

	out := make([][]domain.SearchResult, len(queries))
	for qi, q := range queries {
		if len(q) != schema.Dimension {
			return nil, fmt.Errorf("collection %s, query %d: expected %d, got %d: %w",
				collection, qi, schema.Dimension, len(q), port.ErrDimensionMismatch)
		}
		args[0] = vectorToString(q)
		results, err := s.searchOne(ctx, query, args)
		if err != nil {
			return nil, err
		}
		// Equal distances may come back in any order from an ANN index.
		sort.SliceStable(results, func(i, j int) bool {
			if results[i].Score != results[j].Score {
				return results[i].Score > results[j].Score
			}
			return results[i].ID < results[j].ID
		})
		out[qi] = results
	}
	return out, nil
}

func (s *PostgresVectorStore) searchOne(ctx context.Context, query string, args []any) ([]domain.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("search", err)
	}
	defer rows.Close()

	var results []domain.SearchResult
	for rows.Next() {
		var (
			r    domain.SearchResult
			meta []byte
		)
		if err := rows.Scan(&r.ID, &meta, &r.Score); err != nil {
			return nil, s.wrap("scan result", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("search", err)
	}
	return results, nil
}

// Stats reports the row count and schema of a collection.
func (s *PostgresVectorStore) Stats(ctx context.Context, collection string) (domain.CollectionStats, error) {
	schema, err := s.schema(ctx, collection)
	if err != nil {
		return domain.CollectionStats{}, err
	}
	stats := domain.CollectionStats{
		Name:      schema.Name,
		Dimension: schema.Dimension,
		Metric:    schema.Metric,
		IndexKind: schema.IndexKind,
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+s.table(collection)).Scan(&stats.Count); err != nil {
		return stats, s.wrap("count", err)
	}
	return stats, nil
}

// Schema returns the schema a collection was created with.
func (s *PostgresVectorStore) Schema(ctx context.Context, collection string) (domain.CollectionSchema, error) {
	return s.schema(ctx, collection)
}

// Drop removes a collection table and its registry row.
func (s *PostgresVectorStore) Drop(ctx context.Context, collection string) error {
	if err := validateName(collection); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM `+s.registry()+` WHERE name = $1`, collection)
	if err != nil {
		return s.wrap("unregister collection", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("collection %s: %w", collection, port.ErrCollectionNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+s.table(collection)); err != nil {
		return s.wrap("drop collection", err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap("commit", err)
	}

	s.mu.Lock()
	delete(s.schemas, collection)
	s.mu.Unlock()
	return nil
}

// Ping checks the connection and the presence of the registry table.
func (s *PostgresVectorStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w: %w", port.ErrStoreUnavailable, err)
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+s.registry()).Scan(&n)
	if err != nil {
		return s.wrap("health check", err)
	}
	return nil
}

// ListCollections returns collection names in ascending order.
func (s *PostgresVectorStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM `+s.registry()+` ORDER BY name`)
	if err != nil {
		return nil, s.wrap("list collections", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, s.wrap("scan collection", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresVectorStore) Close() error {
	return s.db.Close()
}

// wrap marks connection-level failures as ErrStoreUnavailable so callers
// can retry them.
func (s *PostgresVectorStore) wrap(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("postgres %s: %w: %w", op, port.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			// connection exception, insufficient resources, operator intervention
			return true
		}
	}
	return false
}

// vectorToString converts a float32 slice to pgvector string format: [0.1,0.2,0.3].
func vectorToString(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, val := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

var _ port.VectorStore = (*PostgresVectorStore)(nil)
