package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukantech/shopsync/internal/errors"
)

func testRequest() *WriteRequest {
	return &WriteRequest{
		OperationID:     "op-1",
		OwnerID:         "shop-1",
		Collection:      "products",
		DocumentID:      "doc-1",
		Payload:         []byte(`{"price":1}`),
		PayloadHash:     "abc",
		ExpectedVersion: 3,
	}
}

func TestPutDocumentOK(t *testing.T) {
	var gotPath, gotOpID, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotOpID = r.Header.Get("X-Operation-Id")
		gotVersion = r.Header.Get("X-Expected-Version")
		json.NewEncoder(w).Encode(map[string]int64{"version": 4})
	}))
	defer server.Close()

	store := NewHTTPStore(server.URL, "", nil)
	res, err := store.PutDocument(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if res.Status != StatusOK || res.NewVersion != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotPath != "/v1/shop-1/products/doc-1" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotOpID != "op-1" || gotVersion != "3" {
		t.Fatalf("idempotency or version header missing: op=%s version=%s", gotOpID, gotVersion)
	}
}

func TestPutDocumentVersionConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server_payload": map[string]int{"price": 2},
			"server_version": 7,
		})
	}))
	defer server.Close()

	store := NewHTTPStore(server.URL, "", nil)
	res, err := store.PutDocument(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if res.Status != StatusVersionConflict || res.ServerVersion != 7 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.ServerPayload) == 0 {
		t.Fatal("server payload missing from conflict result")
	}
}

func TestPutDocumentRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"detail": "price must be positive"})
	}))
	defer server.Close()

	store := NewHTTPStore(server.URL, "", nil)
	res, err := store.PutDocument(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if res.Status != StatusRejected || res.Reason != "price must be positive" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := NewHTTPStore(server.URL, "", nil)
	_, err := store.PutDocument(context.Background(), testRequest())
	if !errors.Is(err, errors.ErrTransientNetwork) {
		t.Fatalf("5xx should be TRANSIENT_NETWORK, got %v", err)
	}
}

func TestUnreachableHostIsTransient(t *testing.T) {
	store := NewHTTPStore("http://127.0.0.1:1", "", nil)
	_, err := store.PutDocument(context.Background(), testRequest())
	if !errors.Is(err, errors.ErrTransientNetwork) {
		t.Fatalf("connection failure should be TRANSIENT_NETWORK, got %v", err)
	}
}

func TestAuthTokenHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]int64{"version": 1})
	}))
	defer server.Close()

	store := NewHTTPStore(server.URL, "secret-token", nil)
	if _, err := store.DeleteDocument(context.Background(), testRequest()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("auth header missing: %q", gotAuth)
	}
}
