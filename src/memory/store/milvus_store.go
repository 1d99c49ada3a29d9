package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/schema"
)

// MilvusConfig holds connection settings for the Milvus REST backend. Token
// wins over Username/Password when both are set.
type MilvusConfig struct {
	Address  string
	Token    string
	Username string
	Password string
	DBName   string
	TLS      bool

	// HTTPTimeout bounds every single request. Zero means 15s.
	HTTPTimeout time.Duration
	// HealthTTL is how long a liveness verdict is cached. Zero means 30s.
	HealthTTL time.Duration
}

// MilvusStore talks to Milvus over its v2 REST API. Every call carries the
// request context, so per-operation deadlines come from the caller.
type MilvusStore struct {
	baseURL   string
	authToken string
	dbName    string
	client    *http.Client
	healthTTL time.Duration

	mu          sync.Mutex
	connected   bool
	lastProbe   time.Time
	lastVerdict bool
}

const (
	// maxFetchRecords caps unordered scans backing latest-first reads. The
	// REST query endpoint applies its own small default page otherwise.
	maxFetchRecords = 10000

	// indexBuildTimeout bounds the wait for a freshly created vector index.
	indexBuildTimeout = 60 * time.Second
	indexPollInterval = 500 * time.Millisecond
)

// milvusEnvelope is the uniform response wrapper: code 0 on success,
// otherwise code plus message describe the failure.
type milvusEnvelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// NewMilvusStore creates a Milvus-backed VectorStore. The store is not yet
// connected.
func NewMilvusStore(cfg MilvusConfig) *MilvusStore {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		addr = "localhost:19530"
	}
	if !strings.Contains(addr, "://") {
		scheme := "http"
		if cfg.TLS {
			scheme = "https"
		}
		addr = scheme + "://" + addr
	}
	token := cfg.Token
	if token == "" && cfg.Username != "" {
		token = cfg.Username + ":" + cfg.Password
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ttl := cfg.HealthTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MilvusStore{
		baseURL:   strings.TrimRight(addr, "/"),
		authToken: token,
		dbName:    cfg.DBName,
		client:    &http.Client{Timeout: timeout},
		healthTTL: ttl,
	}
}

// Connect probes the server. Concurrent callers coalesce on the mutex, so a
// flapping backend sees one reconnect attempt at a time.
func (ms *MilvusStore) Connect(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.connected && ms.lastVerdict && time.Since(ms.lastProbe) < ms.healthTTL {
		return nil
	}
	if err := ms.probe(ctx); err != nil {
		ms.connected = false
		ms.lastVerdict = false
		ms.lastProbe = time.Now()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	ms.connected = true
	ms.lastVerdict = true
	ms.lastProbe = time.Now()
	return nil
}

// IsConnected serves a cached verdict for up to the health TTL, then
// re-probes. A failed probe flips the store to disconnected; the next
// Connect call attempts recovery.
func (ms *MilvusStore) IsConnected(ctx context.Context) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.connected {
		return false
	}
	if time.Since(ms.lastProbe) < ms.healthTTL {
		return ms.lastVerdict
	}
	err := ms.probe(ctx)
	ms.lastProbe = time.Now()
	ms.lastVerdict = err == nil
	if err != nil {
		ms.connected = false
	}
	return ms.lastVerdict
}

func (ms *MilvusStore) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ms.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := ms.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: http %d", resp.StatusCode)
	}
	return nil
}

// Close marks the store disconnected. The REST transport holds no persistent
// connection state beyond the keep-alive pool.
func (ms *MilvusStore) Close(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.connected = false
	ms.client.CloseIdleConnections()
	return nil
}

func (ms *MilvusStore) ensureConnected() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.connected {
		return ErrBackendUnavailable
	}
	return nil
}

// --- schema plumbing between our Collection type and the v2 REST shapes ---

type milvusFieldParams struct {
	MaxLength string `json:"max_length,omitempty"`
	Dim       string `json:"dim,omitempty"`
}

type milvusCreateField struct {
	FieldName         string            `json:"fieldName"`
	DataType          string            `json:"dataType"`
	IsPrimary         bool               `json:"isPrimary,omitempty"`
	ElementTypeParams *milvusFieldParams `json:"elementTypeParams,omitempty"`
}

type milvusDescribeField struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	PrimaryKey bool   `json:"primaryKey"`
	AutoID     bool   `json:"autoId"`
	Params     []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"params"`
}

type milvusDescribeResult struct {
	CollectionName string                `json:"collectionName"`
	Description    string                `json:"description"`
	AutoID         bool                  `json:"autoId"`
	Fields         []milvusDescribeField `json:"fields"`
}

func toMilvusFields(col schema.Collection) []milvusCreateField {
	out := make([]milvusCreateField, 0, len(col.Fields))
	for _, f := range col.Fields {
		mf := milvusCreateField{FieldName: f.Name, DataType: string(f.Type), IsPrimary: f.PrimaryKey}
		if f.MaxLength > 0 || f.Dim > 0 {
			params := &milvusFieldParams{}
			if f.MaxLength > 0 {
				params.MaxLength = strconv.Itoa(f.MaxLength)
			}
			if f.Dim > 0 {
				params.Dim = strconv.Itoa(f.Dim)
			}
			mf.ElementTypeParams = params
		}
		out = append(out, mf)
	}
	return out
}

func fromMilvusDescribe(res milvusDescribeResult) schema.Collection {
	col := schema.Collection{Name: res.CollectionName, Description: res.Description}
	for _, mf := range res.Fields {
		f := schema.Field{
			Name:       mf.Name,
			Type:       schema.FieldType(mf.Type),
			PrimaryKey: mf.PrimaryKey,
			AutoID:     mf.AutoID,
		}
		if mf.PrimaryKey && res.AutoID {
			f.AutoID = true
		}
		for _, p := range mf.Params {
			switch p.Key {
			case "max_length":
				f.MaxLength, _ = strconv.Atoi(p.Value)
			case "dim":
				f.Dim, _ = strconv.Atoi(p.Value)
			}
		}
		col.Fields = append(col.Fields, f)
	}
	return col
}

// EnsureCollection creates the collection, its vector index, and loads it
// when missing; when present it validates the live schema against the
// expected one and refuses to proceed on a breaking mismatch.
func (ms *MilvusStore) EnsureCollection(ctx context.Context, col schema.Collection, idx schema.IndexParams) error {
	if err := ms.ensureConnected(); err != nil {
		return err
	}
	has, err := ms.HasCollection(ctx, col.Name)
	if err != nil {
		return err
	}
	if has {
		existing, err := ms.DescribeCollection(ctx, col.Name)
		if err != nil {
			return err
		}
		consistent, warnings := schema.CheckConsistency(existing, col)
		if !consistent {
			return fmt.Errorf("%w: collection %q: %s", ErrSchemaInconsistent, col.Name, strings.Join(warnings, "; "))
		}
	} else {
		createReq := map[string]any{
			"collectionName": col.Name,
			"schema": map[string]any{
				"autoID":             true,
				"enableDynamicField": false,
				"fields":             toMilvusFields(col),
			},
		}
		if err := ms.do(ctx, "/v2/vectordb/collections/create", createReq, nil); err != nil {
			return err
		}
	}
	// An existing collection may still be missing its index, for example
	// when a prior run crashed between create and index. Repair it here.
	if err := ms.ensureIndex(ctx, col.Name, idx); err != nil {
		return err
	}
	// Searches only see loaded collections.
	return ms.do(ctx, "/v2/vectordb/collections/load", map[string]any{
		"collectionName": col.Name,
	}, nil)
}

// ensureIndex checks for the vector index, creates it when absent, and then
// blocks until the build finishes or times out. An unindexed collection
// cannot be loaded, so returning early here would leave it unsearchable.
func (ms *MilvusStore) ensureIndex(ctx context.Context, collection string, idx schema.IndexParams) error {
	indexName := model.FieldEmbedding + "_idx"
	var listResp milvusEnvelope[[]string]
	if err := ms.do(ctx, "/v2/vectordb/indexes/list", map[string]any{
		"collectionName": collection,
	}, &listResp); err != nil {
		return err
	}
	for _, name := range listResp.Data {
		if name == indexName {
			return nil
		}
	}
	idxReq := map[string]any{
		"collectionName": collection,
		"indexParams": []map[string]any{{
			"fieldName":  model.FieldEmbedding,
			"indexName":  indexName,
			"metricType": idx.MetricType,
			"params": map[string]any{
				"index_type": idx.IndexType,
				"nlist":      idx.NList,
			},
		}},
	}
	if err := ms.do(ctx, "/v2/vectordb/indexes/create", idxReq, nil); err != nil {
		return err
	}
	return ms.waitForIndex(ctx, collection, indexName)
}

// waitForIndex polls index state until the build completes.
func (ms *MilvusStore) waitForIndex(ctx context.Context, collection, indexName string) error {
	deadline := time.Now().Add(indexBuildTimeout)
	for {
		var resp milvusEnvelope[struct {
			State      string `json:"indexState"`
			FailReason string `json:"failReason"`
		}]
		if err := ms.do(ctx, "/v2/vectordb/indexes/describe", map[string]any{
			"collectionName": collection,
			"indexName":      indexName,
		}, &resp); err != nil {
			return err
		}
		switch resp.Data.State {
		case "Finished":
			return nil
		case "Failed":
			return fmt.Errorf("index %q on %q failed to build: %s", indexName, collection, resp.Data.FailReason)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: index %q on %q still building", ErrTimeout, indexName, collection)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(indexPollInterval):
		}
	}
}

// HasCollection checks collection existence.
func (ms *MilvusStore) HasCollection(ctx context.Context, name string) (bool, error) {
	if err := ms.ensureConnected(); err != nil {
		return false, err
	}
	var resp milvusEnvelope[struct {
		Has bool `json:"has"`
	}]
	if err := ms.do(ctx, "/v2/vectordb/collections/has", map[string]any{
		"collectionName": name,
	}, &resp); err != nil {
		return false, err
	}
	return resp.Data.Has, nil
}

// DescribeCollection fetches the live schema.
func (ms *MilvusStore) DescribeCollection(ctx context.Context, name string) (schema.Collection, error) {
	if err := ms.ensureConnected(); err != nil {
		return schema.Collection{}, err
	}
	var resp milvusEnvelope[milvusDescribeResult]
	if err := ms.do(ctx, "/v2/vectordb/collections/describe", map[string]any{
		"collectionName": name,
	}, &resp); err != nil {
		return schema.Collection{}, err
	}
	return fromMilvusDescribe(resp.Data), nil
}

// ListCollections returns all collection names in the configured database.
func (ms *MilvusStore) ListCollections(ctx context.Context) ([]string, error) {
	if err := ms.ensureConnected(); err != nil {
		return nil, err
	}
	var resp milvusEnvelope[[]string]
	if err := ms.do(ctx, "/v2/vectordb/collections/list", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// DropCollection removes the collection. Dropping a missing one succeeds.
func (ms *MilvusStore) DropCollection(ctx context.Context, name string) error {
	if err := ms.ensureConnected(); err != nil {
		return err
	}
	err := ms.do(ctx, "/v2/vectordb/collections/drop", map[string]any{
		"collectionName": name,
	}, nil)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// Insert writes records and returns the auto-assigned ids in input order.
// CreateTime is stamped client-side at insert when the caller leaves it
// unset; a positive caller value is kept as-is.
func (ms *MilvusStore) Insert(ctx context.Context, collection string, recs []model.MemoryRecord) ([]int64, error) {
	if err := ms.ensureConnected(); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	rows := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		ct := rec.CreateTime
		if ct <= 0 {
			ct = now
		}
		rows = append(rows, map[string]any{
			model.FieldPersonalityID: rec.PersonalityID,
			model.FieldSessionID:     rec.SessionID,
			model.FieldContent:       rec.Content,
			model.FieldEmbedding:     rec.Embedding,
			model.FieldCreateTime:    ct,
		})
	}
	var resp milvusEnvelope[struct {
		InsertCount int               `json:"insertCount"`
		InsertIDs   []json.RawMessage `json:"insertIds"`
	}]
	if err := ms.do(ctx, "/v2/vectordb/entities/insert", map[string]any{
		"collectionName": collection,
		"data":           rows,
	}, &resp); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(resp.Data.InsertIDs))
	for _, raw := range resp.Data.InsertIDs {
		id, err := parseMilvusID(raw)
		if err != nil {
			return nil, fmt.Errorf("insert response: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Search runs a filtered vector search. Milvus returns hits in ascending
// distance order for L2, which matches the contract directly.
func (ms *MilvusStore) Search(ctx context.Context, req SearchRequest) ([]model.SearchHit, error) {
	if err := ms.ensureConnected(); err != nil {
		return nil, err
	}
	fields := req.OutputFields
	if len(fields) == 0 {
		fields = model.DefaultOutputFields
	}
	body := map[string]any{
		"collectionName": req.Collection,
		"data":           [][]float32{req.Vector},
		"annsField":      model.FieldEmbedding,
		"limit":          req.Limit,
		"outputFields":   fields,
		"searchParams": map[string]any{
			"metricType": req.Params.MetricType,
			"params":     map[string]any{"nprobe": req.Params.NProbe},
		},
	}
	if req.Filter != "" {
		body["filter"] = req.Filter
	}
	var resp milvusEnvelope[[]map[string]json.RawMessage]
	if err := ms.do(ctx, "/v2/vectordb/entities/search", body, &resp); err != nil {
		return nil, err
	}
	hits := make([]model.SearchHit, 0, len(resp.Data))
	for _, row := range resp.Data {
		var h model.SearchHit
		h.Record = decodeMilvusRow(row)
		if raw, ok := row["distance"]; ok {
			var d float32
			_ = json.Unmarshal(raw, &d)
			h.Distance = d
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Query runs a scalar query. Milvus has no server-side ordering on query, so
// latest-first reads sort client-side on the primary key.
func (ms *MilvusStore) Query(ctx context.Context, req QueryRequest) ([]model.MemoryRecord, error) {
	if err := ms.ensureConnected(); err != nil {
		return nil, err
	}
	fields := req.OutputFields
	if len(fields) == 0 {
		fields = model.DefaultOutputFields
	}
	body := map[string]any{
		"collectionName": req.Collection,
		"filter":         req.Filter,
		"outputFields":   fields,
	}
	if req.OrderDesc {
		// The server would apply its own small default page and truncate
		// the set the client-side sort runs over. Fetch up to the cap.
		body["limit"] = maxFetchRecords
	} else {
		if req.Limit > 0 {
			body["limit"] = req.Limit
		}
		if req.Offset > 0 {
			body["offset"] = req.Offset
		}
	}
	var resp milvusEnvelope[[]map[string]json.RawMessage]
	if err := ms.do(ctx, "/v2/vectordb/entities/query", body, &resp); err != nil {
		return nil, err
	}
	recs := make([]model.MemoryRecord, 0, len(resp.Data))
	for _, row := range resp.Data {
		recs = append(recs, decodeMilvusRow(row))
	}
	if req.OrderDesc {
		// Milvus query has no server-side ordering; sort and page here.
		sortRecordsByIDDesc(recs)
		if req.Offset > 0 {
			if req.Offset >= len(recs) {
				return nil, nil
			}
			recs = recs[req.Offset:]
		}
		if req.Limit > 0 && len(recs) > req.Limit {
			recs = recs[:req.Limit]
		}
	}
	return recs, nil
}

// Delete removes matching records. The REST API does not report a deletion
// count, so the store counts matches with a query first; the two steps are
// not atomic, which is acceptable for the forget flows this serves.
func (ms *MilvusStore) Delete(ctx context.Context, collection, filterExpr string) (int64, error) {
	if filterExpr == "" {
		return 0, fmt.Errorf("%w: delete requires a filter", ErrInvalidFilter)
	}
	if err := ms.ensureConnected(); err != nil {
		return 0, err
	}
	matched, err := ms.Query(ctx, QueryRequest{
		Collection:   collection,
		Filter:       filterExpr,
		OutputFields: []string{model.FieldMemoryID},
	})
	if err != nil {
		return 0, err
	}
	if err := ms.do(ctx, "/v2/vectordb/entities/delete", map[string]any{
		"collectionName": collection,
		"filter":         filterExpr,
	}, nil); err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// Flush forces segment sealing so recent inserts are durable and searchable.
func (ms *MilvusStore) Flush(ctx context.Context, collection string) error {
	if err := ms.ensureConnected(); err != nil {
		return err
	}
	return ms.do(ctx, "/v2/vectordb/collections/flush", map[string]any{
		"collectionName": collection,
	}, nil)
}

// do posts a JSON body to path and decodes the envelope. A non-zero envelope
// code becomes an error, mapped onto the sentinel taxonomy where the message
// identifies the category.
func (ms *MilvusStore) do(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	u := ms.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ms.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+ms.authToken)
	}
	if ms.dbName != "" {
		q := url.Values{"dbName": {ms.dbName}}
		req.URL.RawQuery = q.Encode()
	}
	resp, err := ms.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: http %d: %s", ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var env milvusEnvelope[json.RawMessage]
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return milvusError(env.Code, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func milvusError(code int, message string) error {
	low := strings.ToLower(message)
	switch {
	case strings.Contains(low, "can't find collection"),
		strings.Contains(low, "collection not found"),
		strings.Contains(low, "not exist"):
		return fmt.Errorf("%w: milvus code %d: %s", ErrCollectionNotFound, code, message)
	case strings.Contains(low, "cannot parse expression"),
		strings.Contains(low, "invalid expression"),
		strings.Contains(low, "predicate"):
		return fmt.Errorf("%w: milvus code %d: %s", ErrInvalidFilter, code, message)
	default:
		return fmt.Errorf("milvus code %d: %s", code, message)
	}
}

func decodeMilvusRow(row map[string]json.RawMessage) model.MemoryRecord {
	var rec model.MemoryRecord
	if raw, ok := row[model.FieldMemoryID]; ok {
		rec.ID, _ = parseMilvusID(raw)
	}
	if raw, ok := row[model.FieldPersonalityID]; ok {
		_ = json.Unmarshal(raw, &rec.PersonalityID)
	}
	if raw, ok := row[model.FieldSessionID]; ok {
		_ = json.Unmarshal(raw, &rec.SessionID)
	}
	if raw, ok := row[model.FieldContent]; ok {
		_ = json.Unmarshal(raw, &rec.Content)
	}
	if raw, ok := row[model.FieldCreateTime]; ok {
		_ = json.Unmarshal(raw, &rec.CreateTime)
	}
	if raw, ok := row[model.FieldEmbedding]; ok {
		_ = json.Unmarshal(raw, &rec.Embedding)
	}
	return rec
}

// parseMilvusID accepts both numeric and string-encoded int64 ids; the REST
// gateway stringifies large ints to survive JavaScript clients.
func parseMilvusID(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unrecognised id %s", string(raw))
}

func sortRecordsByIDDesc(recs []model.MemoryRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID > recs[j].ID })
}
