package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/schema"
)

// fakeMilvus serves just enough of the v2 REST surface for the store tests.
type fakeMilvus struct {
	mux      *http.ServeMux
	requests []string
}

func newFakeMilvus() *fakeMilvus {
	f := &fakeMilvus{mux: http.NewServeMux()}
	f.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return f
}

func (f *fakeMilvus) handle(path string, fn func(body map[string]any) any) {
	f.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, path)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(fn(body))
	})
}

func (f *fakeMilvus) saw(path string) bool {
	for _, p := range f.requests {
		if p == path {
			return true
		}
	}
	return false
}

func newConnectedMilvusStore(t *testing.T, f *fakeMilvus) *MilvusStore {
	t.Helper()
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	ms := NewMilvusStore(MilvusConfig{Address: srv.URL})
	if err := ms.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	return ms
}

func TestMilvusConnectFailsWhenServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	ms := NewMilvusStore(MilvusConfig{Address: srv.URL})
	if err := ms.Connect(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if ms.IsConnected(context.Background()) {
		t.Fatalf("store must not report connected after a failed probe")
	}
}

func TestMilvusEnsureCollectionCreatesIndexAndLoads(t *testing.T) {
	f := newFakeMilvus()
	f.handle("/v2/vectordb/collections/has", func(map[string]any) any {
		return map[string]any{"code": 0, "data": map[string]any{"has": false}}
	})
	var createBody map[string]any
	f.handle("/v2/vectordb/collections/create", func(body map[string]any) any {
		createBody = body
		return map[string]any{"code": 0}
	})
	f.handle("/v2/vectordb/indexes/list", func(map[string]any) any {
		return map[string]any{"code": 0, "data": []string{}}
	})
	f.handle("/v2/vectordb/indexes/create", func(map[string]any) any {
		return map[string]any{"code": 0}
	})
	f.handle("/v2/vectordb/indexes/describe", func(map[string]any) any {
		return map[string]any{"code": 0, "data": map[string]any{"indexState": "Finished"}}
	})
	f.handle("/v2/vectordb/collections/load", func(map[string]any) any {
		return map[string]any{"code": 0}
	})

	ms := newConnectedMilvusStore(t, f)
	err := ms.EnsureCollection(context.Background(), schema.Define("mem", 4), schema.DefaultIndexParams())
	if err != nil {
		t.Fatalf("EnsureCollection returned error: %v", err)
	}
	for _, path := range []string{
		"/v2/vectordb/collections/create",
		"/v2/vectordb/indexes/create",
		"/v2/vectordb/indexes/describe",
		"/v2/vectordb/collections/load",
	} {
		if !f.saw(path) {
			t.Fatalf("expected a call to %s, saw %v", path, f.requests)
		}
	}

	// Scalar fields carry no type params and must not serialize an empty
	// elementTypeParams object.
	for _, fld := range createBody["schema"].(map[string]any)["fields"].([]any) {
		m := fld.(map[string]any)
		params, ok := m["elementTypeParams"]
		name := m["fieldName"].(string)
		switch name {
		case model.FieldMemoryID, model.FieldCreateTime:
			if ok {
				t.Fatalf("field %s must omit elementTypeParams, got %v", name, params)
			}
		default:
			if !ok {
				t.Fatalf("field %s missing elementTypeParams", name)
			}
		}
	}
}

func TestMilvusEnsureCollectionRepairsMissingIndex(t *testing.T) {
	describe := func(map[string]any) any {
		fields := []map[string]any{
			{"name": model.FieldMemoryID, "type": "Int64", "primaryKey": true, "autoId": true},
			{"name": model.FieldPersonalityID, "type": "VarChar", "params": []map[string]any{{"key": "max_length", "value": "256"}}},
			{"name": model.FieldSessionID, "type": "VarChar", "params": []map[string]any{{"key": "max_length", "value": "256"}}},
			{"name": model.FieldContent, "type": "VarChar", "params": []map[string]any{{"key": "max_length", "value": "4096"}}},
			{"name": model.FieldEmbedding, "type": "FloatVector", "params": []map[string]any{{"key": "dim", "value": "4"}}},
			{"name": model.FieldCreateTime, "type": "Int64"},
		}
		return map[string]any{"code": 0, "data": map[string]any{
			"collectionName": "mem", "autoId": true, "fields": fields,
		}}
	}

	f := newFakeMilvus()
	f.handle("/v2/vectordb/collections/has", func(map[string]any) any {
		return map[string]any{"code": 0, "data": map[string]any{"has": true}}
	})
	f.handle("/v2/vectordb/collections/describe", describe)
	f.handle("/v2/vectordb/indexes/list", func(map[string]any) any {
		return map[string]any{"code": 0, "data": []string{}}
	})
	f.handle("/v2/vectordb/indexes/create", func(map[string]any) any {
		return map[string]any{"code": 0}
	})
	f.handle("/v2/vectordb/indexes/describe", func(map[string]any) any {
		return map[string]any{"code": 0, "data": map[string]any{"indexState": "Finished"}}
	})
	f.handle("/v2/vectordb/collections/load", func(map[string]any) any {
		return map[string]any{"code": 0}
	})

	ms := newConnectedMilvusStore(t, f)
	err := ms.EnsureCollection(context.Background(), schema.Define("mem", 4), schema.DefaultIndexParams())
	if err != nil {
		t.Fatalf("EnsureCollection returned error: %v", err)
	}
	if f.saw("/v2/vectordb/collections/create") {
		t.Fatalf("existing collection must not be recreated, saw %v", f.requests)
	}
	for _, path := range []string{
		"/v2/vectordb/indexes/create",
		"/v2/vectordb/indexes/describe",
		"/v2/vectordb/collections/load",
	} {
		if !f.saw(path) {
			t.Fatalf("expected a call to %s, saw %v", path, f.requests)
		}
	}

	// A second pass sees the index and creates nothing.
	f2 := newFakeMilvus()
	f2.handle("/v2/vectordb/collections/has", func(map[string]any) any {
		return map[string]any{"code": 0, "data": map[string]any{"has": true}}
	})
	f2.handle("/v2/vectordb/collections/describe", describe)
	f2.handle("/v2/vectordb/indexes/list", func(map[string]any) any {
		return map[string]any{"code": 0, "data": []string{model.FieldEmbedding + "_idx"}}
	})
	f2.handle("/v2/vectordb/collections/load", func(map[string]any) any {
		return map[string]any{"code": 0}
	})

	ms2 := newConnectedMilvusStore(t, f2)
	if err := ms2.EnsureCollection(context.Background(), schema.Define("mem", 4), schema.DefaultIndexParams()); err != nil {
		t.Fatalf("EnsureCollection returned error: %v", err)
	}
	if f2.saw("/v2/vectordb/indexes/create") {
		t.Fatalf("present index must not be recreated, saw %v", f2.requests)
	}
}

func TestMilvusEnsureCollectionRejectsDimensionMismatch(t *testing.T) {
	f := newFakeMilvus()
	f.handle("/v2/vectordb/collections/has", func(map[string]any) any {
		return map[string]any{"code": 0, "data": map[string]any{"has": true}}
	})
	f.handle("/v2/vectordb/collections/describe", func(map[string]any) any {
		fields := []map[string]any{
			{"name": model.FieldMemoryID, "type": "Int64", "primaryKey": true, "autoId": true},
			{"name": model.FieldPersonalityID, "type": "VarChar", "params": []map[string]any{{"key": "max_length", "value": "256"}}},
			{"name": model.FieldSessionID, "type": "VarChar", "params": []map[string]any{{"key": "max_length", "value": "256"}}},
			{"name": model.FieldContent, "type": "VarChar", "params": []map[string]any{{"key": "max_length", "value": "4096"}}},
			{"name": model.FieldEmbedding, "type": "FloatVector", "params": []map[string]any{{"key": "dim", "value": "8"}}},
			{"name": model.FieldCreateTime, "type": "Int64"},
		}
		return map[string]any{"code": 0, "data": map[string]any{
			"collectionName": "mem", "autoId": true, "fields": fields,
		}}
	})

	ms := newConnectedMilvusStore(t, f)
	err := ms.EnsureCollection(context.Background(), schema.Define("mem", 4), schema.DefaultIndexParams())
	if !errors.Is(err, ErrSchemaInconsistent) {
		t.Fatalf("expected ErrSchemaInconsistent, got %v", err)
	}
}

func TestMilvusInsertStampsCreateTimeAndParsesIDs(t *testing.T) {
	f := newFakeMilvus()
	var gotRows []any
	f.handle("/v2/vectordb/entities/insert", func(body map[string]any) any {
		gotRows = body["data"].([]any)
		// The gateway stringifies large ids for JavaScript clients.
		return map[string]any{"code": 0, "data": map[string]any{
			"insertCount": 2, "insertIds": []any{101, "102"},
		}}
	})

	ms := newConnectedMilvusStore(t, f)
	ids, err := ms.Insert(context.Background(), "mem", []model.MemoryRecord{
		{SessionID: "s1", Content: "a", Embedding: []float32{1, 0}},
		{SessionID: "s1", Content: "b", Embedding: []float32{0, 1}, CreateTime: 42},
	})
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if len(ids) != 2 || ids[0] != 101 || ids[1] != 102 {
		t.Fatalf("unexpected ids: %v", ids)
	}

	first := gotRows[0].(map[string]any)
	if ct := first[model.FieldCreateTime].(float64); ct <= 0 {
		t.Fatalf("unset create_time must be stamped at insert, got %v", ct)
	}
	second := gotRows[1].(map[string]any)
	if ct := second[model.FieldCreateTime].(float64); ct != 42 {
		t.Fatalf("caller create_time must be kept, got %v", ct)
	}
}

func TestMilvusSearchSendsFilterAndDecodesHits(t *testing.T) {
	f := newFakeMilvus()
	var gotBody map[string]any
	f.handle("/v2/vectordb/entities/search", func(body map[string]any) any {
		gotBody = body
		return map[string]any{"code": 0, "data": []map[string]any{
			{"memory_id": 7, "content": "hit", "create_time": 100, "distance": 0.25},
		}}
	})

	ms := newConnectedMilvusStore(t, f)
	hits, err := ms.Search(context.Background(), SearchRequest{
		Collection:   "mem",
		Vector:       []float32{1, 0},
		Filter:       `session_id == "s1"`,
		Limit:        5,
		OutputFields: model.DefaultOutputFields,
		Params:       schema.DefaultSearchParams(),
	})
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(hits) != 1 || hits[0].Record.ID != 7 || hits[0].Record.Content != "hit" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if hits[0].Distance != 0.25 {
		t.Fatalf("distance not decoded, got %v", hits[0].Distance)
	}
	if gotBody["filter"] != `session_id == "s1"` {
		t.Fatalf("filter not forwarded, body: %v", gotBody)
	}
	if gotBody["annsField"] != model.FieldEmbedding {
		t.Fatalf("annsField not set, body: %v", gotBody)
	}
}

func TestMilvusQueryOrderDescSortsClientSide(t *testing.T) {
	f := newFakeMilvus()
	var gotLimit any
	f.handle("/v2/vectordb/entities/query", func(body map[string]any) any {
		gotLimit = body["limit"]
		return map[string]any{"code": 0, "data": []map[string]any{
			{"memory_id": 1, "content": "first"},
			{"memory_id": 3, "content": "third"},
			{"memory_id": 2, "content": "second"},
		}}
	})

	ms := newConnectedMilvusStore(t, f)
	recs, err := ms.Query(context.Background(), QueryRequest{
		Collection: "mem",
		Filter:     "memory_id > 0",
		Limit:      2,
		OrderDesc:  true,
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != 3 || recs[1].ID != 2 {
		t.Fatalf("expected ids [3 2], got %+v", recs)
	}
	// Without an explicit limit the server would apply its own default page
	// and the local sort would run over a truncated set.
	if limit, ok := gotLimit.(float64); !ok || limit != maxFetchRecords {
		t.Fatalf("expected fetch cap %d sent to server, got %v", maxFetchRecords, gotLimit)
	}
}

func TestMilvusDeleteCountsMatchesFirst(t *testing.T) {
	f := newFakeMilvus()
	f.handle("/v2/vectordb/entities/query", func(map[string]any) any {
		return map[string]any{"code": 0, "data": []map[string]any{
			{"memory_id": 1}, {"memory_id": 2},
		}}
	})
	f.handle("/v2/vectordb/entities/delete", func(map[string]any) any {
		return map[string]any{"code": 0}
	})

	ms := newConnectedMilvusStore(t, f)
	removed, err := ms.Delete(context.Background(), "mem", `session_id == "s1"`)
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	if _, err := ms.Delete(context.Background(), "mem", ""); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter for empty filter, got %v", err)
	}
}

func TestMilvusErrorMapping(t *testing.T) {
	f := newFakeMilvus()
	f.handle("/v2/vectordb/collections/describe", func(map[string]any) any {
		return map[string]any{"code": 100, "message": "can't find collection mem"}
	})
	f.handle("/v2/vectordb/entities/query", func(map[string]any) any {
		return map[string]any{"code": 1100, "message": "cannot parse expression: bogus"}
	})

	ms := newConnectedMilvusStore(t, f)
	if _, err := ms.DescribeCollection(context.Background(), "mem"); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
	if _, err := ms.Query(context.Background(), QueryRequest{Collection: "mem", Filter: "bogus"}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestMilvusAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": []string{}})
	}))
	defer srv.Close()

	ms := NewMilvusStore(MilvusConfig{Address: srv.URL, Username: "root", Password: "secret"})
	if err := ms.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if _, err := ms.ListCollections(context.Background()); err != nil {
		t.Fatalf("ListCollections returned error: %v", err)
	}
	if !strings.HasPrefix(gotAuth, "Bearer root:secret") {
		t.Fatalf("expected user:password bearer token, got %q", gotAuth)
	}
}

func TestMilvusOperationsRequireConnect(t *testing.T) {
	ms := NewMilvusStore(MilvusConfig{Address: "localhost:1"})
	if _, err := ms.ListCollections(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable before Connect, got %v", err)
	}
}
