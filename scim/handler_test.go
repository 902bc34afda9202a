package scim

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestParseQueryParams(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    *QueryParams
		wantErr bool
	}{
		{
			name: "defaults",
			url:  "/Users",
			want: &QueryParams{StartIndex: 1, Count: -1},
		},
		{
			name: "all parameters",
			url:  `/Users?filter=userName+sw+"b"&startIndex=3&count=10&attributes=userName,emails.value`,
			want: &QueryParams{
				Filter:     `userName sw "b"`,
				StartIndex: 3,
				Count:      10,
				Attributes: []string{"userName", "emails.value"},
			},
		},
		{
			name: "startIndex below one clamps",
			url:  "/Users?startIndex=0",
			want: &QueryParams{StartIndex: 1, Count: -1},
		},
		{
			name: "count zero means totals only",
			url:  "/Users?count=0",
			want: &QueryParams{StartIndex: 1, Count: 0},
		},
		{
			name: "excludedAttributes",
			url:  "/Users?excludedAttributes=emails",
			want: &QueryParams{StartIndex: 1, Count: -1, ExcludedAttr: []string{"emails"}},
		},
		{
			name:    "attributes and excludedAttributes together",
			url:     "/Users?attributes=userName&excludedAttributes=emails",
			wantErr: true,
		},
		{
			name:    "non-numeric startIndex",
			url:     "/Users?startIndex=abc",
			wantErr: true,
		},
		{
			name:    "non-numeric count",
			url:     "/Users?count=abc",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			got, err := ParseQueryParams(r)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				var scimErr *SCIMError
				if !errors.As(err, &scimErr) || scimErr.Status != http.StatusBadRequest {
					t.Errorf("expected a 400 SCIM error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestQueryParamsFromSearchRequest(t *testing.T) {
	five := 5
	params, err := QueryParamsFromSearchRequest(&SearchRequest{
		Filter:     `userName pr`,
		StartIndex: 2,
		Count:      &five,
		Attributes: []string{"userName"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Filter != "userName pr" || params.StartIndex != 2 || params.Count != 5 {
		t.Errorf("unexpected params: %+v", params)
	}

	// An absent count in the body means the server default, not zero results.
	params, err = QueryParamsFromSearchRequest(&SearchRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Count != -1 {
		t.Errorf("Count = %d, want -1 sentinel", params.Count)
	}
	if params.StartIndex != 1 {
		t.Errorf("StartIndex = %d, want 1", params.StartIndex)
	}

	// An explicit zero asks for totals only, matching GET ?count=0.
	zero := 0
	params, err = QueryParamsFromSearchRequest(&SearchRequest{Count: &zero})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Count != 0 {
		t.Errorf("Count = %d, want 0", params.Count)
	}

	if _, err := QueryParamsFromSearchRequest(&SearchRequest{
		Attributes:         []string{"userName"},
		ExcludedAttributes: []string{"emails"},
	}); err == nil {
		t.Error("attributes and excludedAttributes together should fail")
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrInvalidFilter("bad filter"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentTypeSCIM {
		t.Errorf("Content-Type = %q, want %q", ct, ContentTypeSCIM)
	}

	var body Error
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if len(body.Schemas) != 1 || body.Schemas[0] != SchemaError {
		t.Errorf("schemas = %v", body.Schemas)
	}
	if body.Status != "400" || body.ScimType != ScimTypeInvalidFilter || body.Detail != "bad filter" {
		t.Errorf("unexpected error body: %+v", body)
	}
}

func TestWriteErrorUnauthorized(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrUnauthorized())
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="SCIM"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func TestWriteErrorOpaqueInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("sql: table users has no column named flavor"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	var body Error
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body.Detail != "An internal error occurred while processing the request" {
		t.Errorf("internal errors must not leak details, got %q", body.Detail)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{
			name:  "plain http",
			setup: func(r *http.Request) {},
			want:  "http://example.com/scim",
		},
		{
			name: "forwarded proto",
			setup: func(r *http.Request) {
				r.Header.Set("X-Forwarded-Proto", "https")
			},
			want: "https://example.com/scim",
		},
		{
			name: "forwarded host",
			setup: func(r *http.Request) {
				r.Header.Set("X-Forwarded-Proto", "https")
				r.Header.Set("X-Forwarded-Host", "scim.corp.example")
			},
			want: "https://scim.corp.example/scim",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/scim/endpoints/e1/Users", nil)
			tt.setup(r)
			if got := BaseURL(r, "/scim"); got != tt.want {
				t.Errorf("BaseURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResourceLocation(t *testing.T) {
	got := ResourceLocation("https://example.com/scim", "e1", "Users", "42")
	want := "https://example.com/scim/endpoints/e1/Users/42"
	if got != want {
		t.Errorf("ResourceLocation = %q, want %q", got, want)
	}
}
