// Package store provides the vector database abstraction and its backends:
// a Milvus REST backend for networked deployments, a Postgres pgvector
// backend, and an embedded file-backed backend for zero-dependency installs.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/schema"
)

// SearchRequest describes one similarity search.
type SearchRequest struct {
	Collection   string
	Vector       []float32
	Filter       string
	Limit        int
	OutputFields []string
	Params       schema.SearchParams
}

// QueryRequest describes a scalar (non-vector) query.
type QueryRequest struct {
	Collection   string
	Filter       string
	Limit        int
	Offset       int
	OutputFields []string
	// OrderDesc sorts by primary key descending, for latest-first reads.
	OrderDesc bool
}

// VectorStore is the contract every backend implements. All methods honor
// context cancellation; implementations wrap backend failures around the
// sentinel errors in errors.go.
type VectorStore interface {
	// Connect establishes or re-establishes the backend connection. It is
	// safe to call repeatedly; concurrent calls coalesce into one attempt.
	Connect(ctx context.Context) error

	// IsConnected reports liveness. Implementations may serve a cached
	// verdict to keep hot paths cheap.
	IsConnected(ctx context.Context) bool

	// Close releases the connection. Further calls return
	// ErrBackendUnavailable until Connect succeeds again.
	Close(ctx context.Context) error

	// EnsureCollection creates the collection and its vector index when
	// missing, and validates the schema when present. A schema mismatch
	// returns ErrSchemaInconsistent.
	EnsureCollection(ctx context.Context, col schema.Collection, idx schema.IndexParams) error

	// HasCollection reports whether the collection exists.
	HasCollection(ctx context.Context, name string) (bool, error)

	// DescribeCollection returns the live schema of an existing collection.
	DescribeCollection(ctx context.Context, name string) (schema.Collection, error)

	ListCollections(ctx context.Context) ([]string, error)

	// DropCollection removes a collection and all its records. Dropping a
	// missing collection is not an error.
	DropCollection(ctx context.Context, name string) error

	// Insert appends records and returns the assigned primary keys in input
	// order. A record with CreateTime <= 0 gets the server-side insert time.
	Insert(ctx context.Context, collection string, recs []model.MemoryRecord) ([]int64, error)

	// Search runs a vector similarity search, applying the filter before
	// ranking. Hits come back in ascending distance order.
	Search(ctx context.Context, req SearchRequest) ([]model.SearchHit, error)

	// Query runs a scalar query by filter only.
	Query(ctx context.Context, req QueryRequest) ([]model.MemoryRecord, error)

	// Delete removes all records matching the filter and returns how many
	// went away. An empty filter is rejected with ErrInvalidFilter.
	Delete(ctx context.Context, collection, filter string) (int64, error)

	// Flush makes prior inserts durable and visible to search. Backends with
	// synchronous writes may make this a no-op.
	Flush(ctx context.Context, collection string) error
}

// GetLatestRecords returns up to limit records from a collection, newest
// first. Ids are assigned monotonically by every backend, so descending
// primary-key order is descending insert order.
func GetLatestRecords(ctx context.Context, vs VectorStore, collection string, limit int) ([]model.MemoryRecord, error) {
	return vs.Query(ctx, QueryRequest{
		Collection: collection,
		Filter:     model.FieldMemoryID + " > 0",
		Limit:      limit,
		OutputFields: []string{
			model.FieldMemoryID,
			model.FieldPersonalityID,
			model.FieldSessionID,
			model.FieldContent,
			model.FieldCreateTime,
		},
		OrderDesc: true,
	})
}

// Backend names accepted by the factory.
const (
	BackendMilvus   = "milvus"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
)

// Options carries everything any backend might need; each backend reads its
// own subset.
type Options struct {
	Backend string

	// Milvus.
	Address  string
	Token    string
	Username string
	Password string
	DBName   string
	TLS      bool

	// Postgres.
	DSN string

	// Embedded.
	Path string
}

// New builds the backend selected by opts.Backend. The returned store is not
// yet connected.
func New(opts Options) (VectorStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendMilvus, "":
		return NewMilvusStore(MilvusConfig{
			Address:  opts.Address,
			Token:    opts.Token,
			Username: opts.Username,
			Password: opts.Password,
			DBName:   opts.DBName,
			TLS:      opts.TLS,
		}), nil
	case BackendPostgres:
		return NewPostgresStore(opts.DSN), nil
	case BackendLocal:
		return NewLocalStore(opts.Path), nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", opts.Backend)
	}
}
