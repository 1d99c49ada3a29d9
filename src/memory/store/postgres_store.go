package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seshat-labs/seshat/src/memory/filter"
	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/schema"
)

// PostgresStore implements VectorStore on Postgres with the pgvector
// extension. Each collection maps to a table mem_<name> plus a row in the
// mem_collections registry holding the declared schema, so consistency
// checks compare against exactly what EnsureCollection recorded.
type PostgresStore struct {
	dsn string

	mu   sync.Mutex
	pool *pgxpool.Pool
}

var collectionNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// defaultSearchLimit caps unbounded searches.
const defaultSearchLimit = 5

// NewPostgresStore creates a Postgres-backed VectorStore. The pool is opened
// on Connect.
func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{dsn: dsn}
}

// Connect opens the pool and verifies the server with a ping. Repeated calls
// on a live pool are cheap.
func (ps *PostgresStore) Connect(ctx context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.pool != nil {
		if err := ps.pool.Ping(ctx); err == nil {
			return nil
		}
		ps.pool.Close()
		ps.pool = nil
	}
	pool, err := pgxpool.New(ctx, ps.dsn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return fmt.Errorf("%w: enable pgvector: %v", ErrBackendUnavailable, err)
	}
	if _, err := pool.Exec(ctx, `
                CREATE TABLE IF NOT EXISTS mem_collections (
                    name TEXT PRIMARY KEY,
                    schema JSONB NOT NULL,
                    created_at TIMESTAMPTZ DEFAULT NOW()
                )`); err != nil {
		pool.Close()
		return fmt.Errorf("%w: create registry: %v", ErrBackendUnavailable, err)
	}
	ps.pool = pool
	return nil
}

// IsConnected pings the server.
func (ps *PostgresStore) IsConnected(ctx context.Context) bool {
	ps.mu.Lock()
	pool := ps.pool
	ps.mu.Unlock()
	if pool == nil {
		return false
	}
	return pool.Ping(ctx) == nil
}

// Close releases the pool.
func (ps *PostgresStore) Close(ctx context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.pool != nil {
		ps.pool.Close()
		ps.pool = nil
	}
	return nil
}

func (ps *PostgresStore) getPool() (*pgxpool.Pool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.pool == nil {
		return nil, ErrBackendUnavailable
	}
	return ps.pool, nil
}

func tableName(collection string) (string, error) {
	if !collectionNameRe.MatchString(collection) {
		return "", fmt.Errorf("%w: bad collection name %q", ErrCollectionNotFound, collection)
	}
	return "mem_" + collection, nil
}

// EnsureCollection creates the table, the IVFFlat index, and the registry
// row when missing; otherwise it validates the registered schema.
func (ps *PostgresStore) EnsureCollection(ctx context.Context, col schema.Collection, idx schema.IndexParams) error {
	pool, err := ps.getPool()
	if err != nil {
		return err
	}
	table, err := tableName(col.Name)
	if err != nil {
		return err
	}
	existing, found, err := ps.registeredSchema(ctx, col.Name)
	if err != nil {
		return err
	}
	if found {
		consistent, warnings := schema.CheckConsistency(existing, col)
		if !consistent {
			return fmt.Errorf("%w: collection %q: %s", ErrSchemaInconsistent, col.Name, strings.Join(warnings, "; "))
		}
		return nil
	}
	dim := col.Dim()
	if dim <= 0 {
		dim = schema.DefaultDim
	}
	ddl := fmt.Sprintf(`
                CREATE TABLE IF NOT EXISTS %s (
                    memory_id BIGSERIAL PRIMARY KEY,
                    personality_id TEXT NOT NULL DEFAULT '',
                    session_id TEXT NOT NULL DEFAULT '',
                    content TEXT NOT NULL,
                    embedding vector(%d),
                    create_time BIGINT NOT NULL
                )`, table, dim)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	lists := idx.NList
	if lists <= 0 {
		lists = schema.DefaultNList
	}
	indexDDL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING ivfflat (embedding vector_l2_ops) WITH (lists = %d)`,
		table, table, lists)
	if _, err := pool.Exec(ctx, indexDDL); err != nil {
		return fmt.Errorf("create index on %s: %w", table, err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS `+table+`_session_idx ON `+table+` (session_id)`); err != nil {
		return fmt.Errorf("create session index on %s: %w", table, err)
	}
	schemaJSON, err := json.Marshal(col)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
                INSERT INTO mem_collections (name, schema) VALUES ($1, $2::jsonb)
                ON CONFLICT (name) DO UPDATE SET schema = EXCLUDED.schema`,
		col.Name, string(schemaJSON))
	return err
}

func (ps *PostgresStore) registeredSchema(ctx context.Context, name string) (schema.Collection, bool, error) {
	pool, err := ps.getPool()
	if err != nil {
		return schema.Collection{}, false, err
	}
	var raw string
	err = pool.QueryRow(ctx, `SELECT schema::text FROM mem_collections WHERE name = $1`, name).Scan(&raw)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return schema.Collection{}, false, nil
		}
		return schema.Collection{}, false, err
	}
	var col schema.Collection
	if err := json.Unmarshal([]byte(raw), &col); err != nil {
		return schema.Collection{}, false, fmt.Errorf("decode registered schema for %q: %w", name, err)
	}
	return col, true, nil
}

// HasCollection checks the registry.
func (ps *PostgresStore) HasCollection(ctx context.Context, name string) (bool, error) {
	_, found, err := ps.registeredSchema(ctx, name)
	return found, err
}

// DescribeCollection returns the schema recorded at collection creation.
func (ps *PostgresStore) DescribeCollection(ctx context.Context, name string) (schema.Collection, error) {
	col, found, err := ps.registeredSchema(ctx, name)
	if err != nil {
		return schema.Collection{}, err
	}
	if !found {
		return schema.Collection{}, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	return col, nil
}

// ListCollections lists the registry.
func (ps *PostgresStore) ListCollections(ctx context.Context) ([]string, error) {
	pool, err := ps.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT name FROM mem_collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DropCollection drops the table and the registry row.
func (ps *PostgresStore) DropCollection(ctx context.Context, name string) error {
	pool, err := ps.getPool()
	if err != nil {
		return err
	}
	table, err := tableName(name)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	_, err = pool.Exec(ctx, `DELETE FROM mem_collections WHERE name = $1`, name)
	return err
}

// Insert writes rows, stamping create_time on records that carry none, and
// returns the assigned ids in input order.
func (ps *PostgresStore) Insert(ctx context.Context, collection string, recs []model.MemoryRecord) ([]int64, error) {
	pool, err := ps.getPool()
	if err != nil {
		return nil, err
	}
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		var id int64
		err := pool.QueryRow(ctx, `
                        INSERT INTO `+table+` (personality_id, session_id, content, embedding, create_time)
                        VALUES ($1, $2, $3, $4::vector, CASE WHEN $5::bigint > 0 THEN $5::bigint ELSE EXTRACT(EPOCH FROM NOW())::bigint END)
                        RETURNING memory_id`,
			rec.PersonalityID, rec.SessionID, rec.Content, encodeVector(rec.Embedding), rec.CreateTime,
		).Scan(&id)
		if err != nil {
			return ids, wrapPgError(collection, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Search ranks by L2 distance with the filter applied in the WHERE clause.
func (ps *PostgresStore) Search(ctx context.Context, req SearchRequest) ([]model.SearchHit, error) {
	pool, err := ps.getPool()
	if err != nil {
		return nil, err
	}
	table, err := tableName(req.Collection)
	if err != nil {
		return nil, err
	}
	where, args, err := renderFilter(req.Filter, 2)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	sql := `SELECT memory_id, personality_id, session_id, content, create_time, embedding <-> $1::vector AS distance FROM ` + table
	if where != "" {
		sql += " WHERE " + where
	}
	sql += fmt.Sprintf(" ORDER BY embedding <-> $1::vector, memory_id LIMIT %d", limit)
	allArgs := append([]any{encodeVector(req.Vector)}, args...)
	rows, err := pool.Query(ctx, sql, allArgs...)
	if err != nil {
		return nil, wrapPgError(req.Collection, err)
	}
	defer rows.Close()
	var hits []model.SearchHit
	for rows.Next() {
		var h model.SearchHit
		var dist float64
		if err := rows.Scan(&h.Record.ID, &h.Record.PersonalityID, &h.Record.SessionID, &h.Record.Content, &h.Record.CreateTime, &dist); err != nil {
			return nil, err
		}
		// pgvector's <-> is euclidean; square it to match the squared-L2
		// distances the other backends report.
		h.Distance = float32(dist * dist)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Query runs a scalar query.
func (ps *PostgresStore) Query(ctx context.Context, req QueryRequest) ([]model.MemoryRecord, error) {
	pool, err := ps.getPool()
	if err != nil {
		return nil, err
	}
	table, err := tableName(req.Collection)
	if err != nil {
		return nil, err
	}
	where, args, err := renderFilter(req.Filter, 1)
	if err != nil {
		return nil, err
	}
	sql := `SELECT memory_id, personality_id, session_id, content, create_time FROM ` + table
	if where != "" {
		sql += " WHERE " + where
	}
	if req.OrderDesc {
		sql += " ORDER BY memory_id DESC"
	} else {
		sql += " ORDER BY memory_id"
	}
	if req.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", req.Limit)
	}
	if req.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", req.Offset)
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapPgError(req.Collection, err)
	}
	defer rows.Close()
	var recs []model.MemoryRecord
	for rows.Next() {
		var rec model.MemoryRecord
		if err := rows.Scan(&rec.ID, &rec.PersonalityID, &rec.SessionID, &rec.Content, &rec.CreateTime); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Delete removes matching rows and reports the count from the command tag.
func (ps *PostgresStore) Delete(ctx context.Context, collection, filterExpr string) (int64, error) {
	if filterExpr == "" {
		return 0, fmt.Errorf("%w: delete requires a filter", ErrInvalidFilter)
	}
	pool, err := ps.getPool()
	if err != nil {
		return 0, err
	}
	table, err := tableName(collection)
	if err != nil {
		return 0, err
	}
	where, args, err := renderFilter(filterExpr, 1)
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM `+table+` WHERE `+where, args...)
	if err != nil {
		return 0, wrapPgError(collection, err)
	}
	return tag.RowsAffected(), nil
}

// Flush is a no-op: Postgres writes are durable at commit.
func (ps *PostgresStore) Flush(ctx context.Context, collection string) error {
	_, err := ps.getPool()
	return err
}

// renderFilter turns the shared filter grammar into a parameterized WHERE
// clause. Placeholders start at firstArg to leave room for the query vector.
func renderFilter(expr string, firstArg int) (string, []any, error) {
	parsed, err := filter.Parse(expr)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if len(parsed.Preds) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []any
	n := firstArg
	for _, p := range parsed.Preds {
		switch p.Op {
		case "in":
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", p.Field, n))
			if p.Field == model.FieldMemoryID || p.Field == model.FieldCreateTime {
				nums := make([]int64, 0, len(p.List))
				for _, item := range p.List {
					v, err := strconv.ParseInt(item, 10, 64)
					if err != nil {
						return "", nil, fmt.Errorf("%w: non-numeric value %q for %s", ErrInvalidFilter, item, p.Field)
					}
					nums = append(nums, v)
				}
				args = append(args, nums)
			} else {
				args = append(args, p.List)
			}
			n++
		default:
			op := p.Op
			if op == "==" {
				op = "="
			}
			clauses = append(clauses, fmt.Sprintf("%s %s $%d", p.Field, op, n))
			if p.IsNum {
				args = append(args, p.Num)
			} else {
				args = append(args, p.Str)
			}
			n++
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func wrapPgError(collection string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "does not exist") {
		return fmt.Errorf("%w: %q: %v", ErrCollectionNotFound, collection, err)
	}
	return err
}

func encodeVector(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
