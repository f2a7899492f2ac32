package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestParseIDs(t *testing.T) {
	logger := zap.NewNop()
	valid := "550e8400-e29b-41d4-a716-446655440000"

	parsers := []struct {
		name      string
		param     string
		parse     func(http.ResponseWriter, *http.Request, *zap.Logger) (uuid.UUID, bool)
		wantError string
	}{
		{"datasource", "dsid", ParseDatasourceID, "invalid_datasource_id"},
		{"operation", "oid", ParseOperationID, "invalid_operation_id"},
		{"job", "jid", ParseJobID, "invalid_job_id"},
	}

	for _, p := range parsers {
		t.Run(p.name+" valid", func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.SetPathValue(p.param, valid)
			rec := httptest.NewRecorder()

			id, ok := p.parse(rec, req, logger)
			if !ok {
				t.Fatal("ok = false, want true")
			}
			if id.String() != valid {
				t.Errorf("id = %v, want %v", id, valid)
			}
		})

		for _, bad := range []string{"not-a-uuid", ""} {
			t.Run(p.name+" invalid "+bad, func(t *testing.T) {
				req := httptest.NewRequest(http.MethodGet, "/test", nil)
				req.SetPathValue(p.param, bad)
				rec := httptest.NewRecorder()

				id, ok := p.parse(rec, req, logger)
				if ok {
					t.Error("ok = true, want false")
				}
				if id != uuid.Nil {
					t.Errorf("id = %v, want uuid.Nil", id)
				}
				if rec.Code != http.StatusBadRequest {
					t.Errorf("status = %v, want %v", rec.Code, http.StatusBadRequest)
				}

				var resp map[string]string
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if resp["error"] != p.wantError {
					t.Errorf("error = %v, want %v", resp["error"], p.wantError)
				}
			})
		}
	}
}

func TestQueryParams(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?page=3&size=x&neg=-1&load=false&flag=nope", nil)

	if got := queryInt(req, "page", 1); got != 3 {
		t.Errorf("page = %d, want 3", got)
	}
	if got := queryInt(req, "size", 20); got != 20 {
		t.Errorf("size = %d, want default 20", got)
	}
	if got := queryInt(req, "neg", 1); got != 1 {
		t.Errorf("neg = %d, want default 1", got)
	}
	if got := queryInt(req, "missing", 7); got != 7 {
		t.Errorf("missing = %d, want 7", got)
	}
	if queryBool(req, "load", true) {
		t.Error("load = true, want false")
	}
	if !queryBool(req, "flag", true) {
		t.Error("flag = false, want default true")
	}
}
