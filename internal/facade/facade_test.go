package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/tripwire/memchain/internal/index"
	"github.com/tripwire/memchain/internal/keys"
	"github.com/tripwire/memchain/internal/memops"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()
	privPath := filepath.Join(dir, keys.PrivateKeyFile)
	pubPath := filepath.Join(dir, keys.PublicKeyFile)
	if _, err := keys.Generate(privPath, pubPath); err != nil {
		t.Fatalf("generate keys: %v", err)
	}

	idx, err := index.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	chain, err := memops.Open(context.Background(), dir, memops.Options{Index: idx})
	if err != nil {
		t.Fatalf("open chain: %v", err)
	}
	t.Cleanup(func() { chain.Close() })

	srv := NewServer(chain)
	return NewRouter(srv, nil)
}

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleCommit_ThenRecallFindsIt(t *testing.T) {
	h := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"content": "the user prefers dark mode",
		"tier":    "committed",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/commit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var commitResp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&commitResp); err != nil {
		t.Fatalf("decode commit response: %v", err)
	}
	if commitResp["seq"].(float64) != 0 {
		t.Fatalf("expected seq 0, got %v", commitResp["seq"])
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/recall?q=dark+mode", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var rows []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("decode recall response: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestHandleCommit_RejectsMalformedBody(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/commit", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRecall_RequiresQueryParam(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/recall", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleIntrospect_UnknownSeqReturns404(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/introspect/99", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
