package scimserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/pranems/scimserver/config"
	"github.com/pranems/scimserver/endpoint"
)

const (
	testSecret       = "test-bearer-secret"
	testSigningKey   = "test-signing-key"
	testClientID     = "test-client"
	testClientSecret = "test-client-secret"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Mode:         config.ModeDevelopment,
		Port:         8880,
		APIPrefix:    "/scim",
		DatabaseURL:  fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		DefaultCount: 100,
		MaxResults:   1000,
		Auth: config.AuthConfig{
			BearerSecret:      testSecret,
			TokenSigningKey:   testSigningKey,
			TokenClientID:     testClientID,
			TokenClientSecret: testClientSecret,
		},
	}
	srv, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

func do(t *testing.T, srv *Server, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	r.Header.Set("Authorization", "Bearer "+testSecret)
	r.Header.Set("Content-Type", "application/scim+json")
	for k, vs := range header {
		r.Header.Del(k)
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}

func createEndpoint(t *testing.T, srv *Server, name string, cfg map[string]string) string {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/scim/admin/endpoints", endpoint.CreateInput{
		Name:   name,
		Config: cfg,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create endpoint: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode(t, rec)["id"].(string)
}

func createUser(t *testing.T, srv *Server, endpointID string, doc map[string]any) map[string]any {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/scim/endpoints/"+endpointID+"/Users", doc, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode(t, rec)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/health", nil, http.Header{"Authorization": nil})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/scim/endpoints/any/Users", nil, http.Header{"Authorization": nil})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="SCIM"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	rec = do(t, srv, http.MethodGet, "/scim/admin/endpoints", nil,
		http.Header{"Authorization": {"Bearer wrong"}})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("admin surface: status = %d, want 401", rec.Code)
	}
}

func TestTokenFlow(t *testing.T) {
	srv := newTestServer(t)

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
	}
	r := httptest.NewRequest(http.MethodPost, "/scim/oauth/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("token: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	token := decode(t, rec)["access_token"].(string)

	epID := createEndpoint(t, srv, "tenant1", nil)
	listRec := do(t, srv, http.MethodGet, "/scim/endpoints/"+epID+"/Users", nil,
		http.Header{"Authorization": {"Bearer " + token}})
	if listRec.Code != http.StatusOK {
		t.Errorf("issued token rejected on SCIM surface: %d, %s", listRec.Code, listRec.Body.String())
	}
}

func TestAdminEndpointLifecycle(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", map[string]string{endpoint.FlagVerbosePatch: "true"})

	// Duplicate name conflicts, case-insensitively.
	rec := do(t, srv, http.MethodPost, "/scim/admin/endpoints",
		endpoint.CreateInput{Name: "TENANT1"}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate name: status = %d, want 409", rec.Code)
	}

	rec = do(t, srv, http.MethodGet, "/scim/admin/endpoints/"+epID, nil, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["name"] != "tenant1" {
		t.Errorf("get endpoint failed: %d, %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/scim/admin/endpoints/by-name/tenant1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get by name: status = %d", rec.Code)
	}

	// Deactivation gates the SCIM surface with 403.
	rec = do(t, srv, http.MethodPatch, "/scim/admin/endpoints/"+epID,
		map[string]any{"active": false}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, "/scim/endpoints/"+epID+"/Users", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("inactive endpoint: status = %d, want 403", rec.Code)
	}

	rec = do(t, srv, http.MethodDelete, "/scim/admin/endpoints/"+epID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, "/scim/endpoints/"+epID+"/Users", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown endpoint: status = %d, want 404", rec.Code)
	}
}

func TestUserLifecycle(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)
	base := "/scim/endpoints/" + epID + "/Users"

	rec := do(t, srv, http.MethodPost, base, map[string]any{
		"schemas":  []string{"urn:ietf:params:scim:schemas:core:2.0:User"},
		"userName": "bjensen@example.com",
		"name":     map[string]any{"givenName": "Barbara", "familyName": "Jensen"},
		"password": "hunter2",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	created := decode(t, rec)
	id := created["id"].(string)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/scim+json") {
		t.Errorf("Content-Type = %q", ct)
	}
	if loc := rec.Header().Get("Location"); !strings.HasSuffix(loc, base+"/"+id) {
		t.Errorf("Location = %q", loc)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("ETag = %q, want W/\"1\"", etag)
	}
	if _, ok := created["password"]; ok {
		t.Error("password must never be returned")
	}
	meta := created["meta"].(map[string]any)
	if meta["resourceType"] != "User" || meta["version"] != `W/"1"` {
		t.Errorf("meta = %v", meta)
	}

	// Case-insensitive userName uniqueness within the endpoint.
	rec = do(t, srv, http.MethodPost, base, map[string]any{"userName": "BJENSEN@example.com"}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate userName: status = %d, want 409", rec.Code)
	}
	conflict := decode(t, rec)
	if conflict["scimType"] != "uniqueness" {
		t.Error("conflict should carry scimType uniqueness")
	}
	if detail, _ := conflict["detail"].(string); !strings.Contains(strings.ToLower(detail), "bjensen@example.com") {
		t.Errorf("conflict detail should name the colliding userName: %q", detail)
	}

	// Same userName in another endpoint is fine.
	otherEp := createEndpoint(t, srv, "tenant2", nil)
	createUser(t, srv, otherEp, map[string]any{"userName": "bjensen@example.com"})

	// Conditional GET round-trip.
	rec = do(t, srv, http.MethodGet, base+"/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	etag := rec.Header().Get("ETag")
	rec = do(t, srv, http.MethodGet, base+"/"+id, nil, http.Header{"If-None-Match": {etag}})
	if rec.Code != http.StatusNotModified {
		t.Errorf("If-None-Match: status = %d, want 304", rec.Code)
	}

	// PUT bumps the version; If-Match is tolerated, never enforced to 412.
	rec = do(t, srv, http.MethodPut, base+"/"+id, map[string]any{
		"userName":    "bjensen@example.com",
		"displayName": "Babs",
	}, http.Header{"If-Match": {`W/"999"`}})
	if rec.Code != http.StatusOK {
		t.Fatalf("put: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") != `W/"2"` {
		t.Errorf("ETag after PUT = %q, want W/\"2\"", rec.Header().Get("ETag"))
	}

	// PATCH with boolean coercion.
	rec = do(t, srv, http.MethodPatch, base+"/"+id, map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:PatchOp"},
		"Operations": []map[string]any{
			{"op": "Replace", "path": "active", "value": "False"},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["active"] != false {
		t.Error("active should be coerced to boolean false")
	}

	rec = do(t, srv, http.MethodDelete, base+"/"+id, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, base+"/"+id, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestUserListFilterAndProjection(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)
	base := "/scim/endpoints/" + epID + "/Users"

	for _, name := range []string{"alice@example.com", "bob@example.com", "carol@other.org"} {
		createUser(t, srv, epID, map[string]any{
			"userName": name,
			"emails":   []map[string]any{{"value": name, "type": "work"}},
		})
	}

	// Pushed-down filter with exact SQL pagination.
	rec := do(t, srv, http.MethodGet, base+`?filter=`+url.QueryEscape(`userName ew "@example.com"`)+`&count=1`, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	list := decode(t, rec)
	if list["totalResults"] != float64(2) || list["itemsPerPage"] != float64(1) {
		t.Errorf("totals wrong: %v", list)
	}

	// Residual filter over payload attributes.
	rec = do(t, srv, http.MethodGet, base+`?filter=`+url.QueryEscape(`emails[type eq "work" and value co "other.org"]`), nil, nil)
	list = decode(t, rec)
	if list["totalResults"] != float64(1) {
		t.Errorf("residual filter totals wrong: %v", list)
	}

	// count=0 returns totals only.
	rec = do(t, srv, http.MethodGet, base+"?count=0", nil, nil)
	list = decode(t, rec)
	if list["totalResults"] != float64(3) || len(list["Resources"].([]any)) != 0 {
		t.Errorf("count=0 wrong: %v", list)
	}

	// Attribute projection keeps the core attributes.
	rec = do(t, srv, http.MethodGet, base+"?attributes=userName", nil, nil)
	list = decode(t, rec)
	first := list["Resources"].([]any)[0].(map[string]any)
	if _, ok := first["emails"]; ok {
		t.Error("unrequested attribute returned")
	}
	for _, core := range []string{"id", "schemas", "meta", "userName"} {
		if _, ok := first[core]; !ok {
			t.Errorf("attribute %q missing from projection", core)
		}
	}

	// attributes and excludedAttributes together is a 400.
	rec = do(t, srv, http.MethodGet, base+"?attributes=userName&excludedAttributes=emails", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("mutually exclusive params: status = %d, want 400", rec.Code)
	}

	// POST .search mirrors GET semantics.
	rec = do(t, srv, http.MethodPost, base+"/.search", map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:SearchRequest"},
		"filter":  `userName sw "alice"`,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf(".search: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["totalResults"] != float64(1) {
		t.Errorf(".search totals wrong: %s", rec.Body.String())
	}

	// .search with an explicit count of zero returns totals only.
	rec = do(t, srv, http.MethodPost, base+"/.search", map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:SearchRequest"},
		"count":   0,
	}, nil)
	searchList := decode(t, rec)
	if searchList["totalResults"] != float64(3) || len(searchList["Resources"].([]any)) != 0 {
		t.Errorf(".search count=0 wrong: %s", rec.Body.String())
	}

	// Malformed filter is invalidFilter.
	rec = do(t, srv, http.MethodGet, base+`?filter=`+url.QueryEscape(`userName eq`), nil, nil)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["scimType"] != "invalidFilter" {
		t.Errorf("bad filter: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGroupLifecycle(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)
	base := "/scim/endpoints/" + epID + "/Groups"

	u1 := createUser(t, srv, epID, map[string]any{"userName": "alice", "displayName": "Alice"})["id"].(string)
	u2 := createUser(t, srv, epID, map[string]any{"userName": "bob"})["id"].(string)

	rec := do(t, srv, http.MethodPost, base, map[string]any{
		"schemas":     []string{"urn:ietf:params:scim:schemas:core:2.0:Group"},
		"displayName": "Tour Guides",
		"members":     []map[string]any{{"value": u1}},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create group: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	group := decode(t, rec)
	gid := group["id"].(string)

	members := group["members"].([]any)
	if len(members) != 1 {
		t.Fatalf("got %d members, want 1", len(members))
	}
	m := members[0].(map[string]any)
	if m["value"] != u1 || m["display"] != "Alice" {
		t.Errorf("member not materialized with display: %v", m)
	}
	if ref, _ := m["$ref"].(string); !strings.HasSuffix(ref, "/endpoints/"+epID+"/Users/"+u1) {
		t.Errorf("$ref = %q", ref)
	}

	// Unknown member is rejected.
	rec = do(t, srv, http.MethodPost, base, map[string]any{
		"displayName": "Broken",
		"members":     []map[string]any{{"value": "no-such-user"}},
	}, nil)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["scimType"] != "invalidValue" {
		t.Errorf("unknown member: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Duplicate displayName conflicts.
	rec = do(t, srv, http.MethodPost, base, map[string]any{"displayName": "tour guides"}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate displayName: status = %d, want 409", rec.Code)
	}

	// Single-member add is always allowed.
	rec = do(t, srv, http.MethodPatch, base+"/"+gid, map[string]any{
		"Operations": []map[string]any{
			{"op": "add", "path": "members", "value": []map[string]any{{"value": u2}}},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch add member: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := len(decode(t, rec)["members"].([]any)); got != 2 {
		t.Errorf("got %d members, want 2", got)
	}

	// Remove via value-path filter.
	rec = do(t, srv, http.MethodPatch, base+"/"+gid, map[string]any{
		"Operations": []map[string]any{
			{"op": "remove", "path": fmt.Sprintf(`members[value eq %q]`, u2)},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch remove member: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	group = decode(t, rec)
	if got := len(group["members"].([]any)); got != 1 {
		t.Errorf("got %d members after remove, want 1", got)
	}

	// Deleting a user drops it from the group on the next read.
	rec = do(t, srv, http.MethodDelete, "/scim/endpoints/"+epID+"/Users/"+u1, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete user: status = %d", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, base+"/"+gid, nil, nil)
	if _, ok := decode(t, rec)["members"]; ok {
		t.Error("members should be empty after the last member's user is deleted")
	}
}

func TestGroupMultiMemberFlags(t *testing.T) {
	srv := newTestServer(t)

	plain := createEndpoint(t, srv, "plain", nil)
	multi := createEndpoint(t, srv, "multi", map[string]string{
		endpoint.FlagMultiMemberAdd: "true",
	})

	for _, epID := range []string{plain, multi} {
		for _, name := range []string{"alice", "bob"} {
			createUser(t, srv, epID, map[string]any{"userName": name})
		}
	}

	makeGroup := func(epID string) (string, []map[string]any) {
		users := do(t, srv, http.MethodGet, "/scim/endpoints/"+epID+"/Users", nil, nil)
		var ids []map[string]any
		for _, res := range decode(t, users)["Resources"].([]any) {
			ids = append(ids, map[string]any{"value": res.(map[string]any)["id"]})
		}
		rec := do(t, srv, http.MethodPost, "/scim/endpoints/"+epID+"/Groups",
			map[string]any{"displayName": "G"}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create group: %d, %s", rec.Code, rec.Body.String())
		}
		return decode(t, rec)["id"].(string), ids
	}

	patchMembers := func(epID, gid string, members []map[string]any) *httptest.ResponseRecorder {
		return do(t, srv, http.MethodPatch, "/scim/endpoints/"+epID+"/Groups/"+gid, map[string]any{
			"Operations": []map[string]any{
				{"op": "add", "path": "members", "value": members},
			},
		}, nil)
	}

	gid, members := makeGroup(plain)
	rec := patchMembers(plain, gid, members)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["scimType"] != "invalidValue" {
		t.Errorf("multi-member add without the flag: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	gid2, members2 := makeGroup(multi)
	rec = patchMembers(multi, gid2, members2)
	if rec.Code != http.StatusOK {
		t.Fatalf("multi-member add with the flag: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := len(decode(t, rec)["members"].([]any)); got != 2 {
		t.Errorf("got %d members, want 2", got)
	}

	// Enabling the flag on the first endpoint makes the same patch succeed.
	rec = do(t, srv, http.MethodPatch, "/scim/admin/endpoints/"+plain, map[string]any{
		"config": map[string]string{endpoint.FlagMultiMemberAdd: "true"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update endpoint config: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = patchMembers(plain, gid, members)
	if rec.Code != http.StatusOK {
		t.Errorf("replay after enabling the flag: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestFilterNeExcludesUsersWithoutAttribute(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)
	base := "/scim/endpoints/" + epID + "/Users"

	createUser(t, srv, epID, map[string]any{"userName": "named", "displayName": "Alice"})
	createUser(t, srv, epID, map[string]any{"userName": "anon"})

	// A user without displayName satisfies neither eq nor ne.
	rec := do(t, srv, http.MethodGet,
		base+"?filter="+url.QueryEscape(`displayName ne "Alice"`), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["totalResults"]; got != float64(0) {
		t.Errorf("totalResults = %v, want 0", got)
	}

	createUser(t, srv, epID, map[string]any{"userName": "other", "displayName": "Bob"})
	rec = do(t, srv, http.MethodGet,
		base+"?filter="+url.QueryEscape(`displayName ne "Alice"`), nil, nil)
	list := decode(t, rec)
	if list["totalResults"] != float64(1) {
		t.Fatalf("totalResults = %v, want 1", list["totalResults"])
	}
	got := list["Resources"].([]any)[0].(map[string]any)
	if got["userName"] != "other" {
		t.Errorf("matched %q, want user other", got["userName"])
	}
}

func TestPatchRemoveActiveResetsDefault(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)
	base := "/scim/endpoints/" + epID + "/Users"

	id := createUser(t, srv, epID, map[string]any{"userName": "alice", "active": false})["id"].(string)

	rec := do(t, srv, http.MethodPatch, base+"/"+id, map[string]any{
		"Operations": []map[string]any{
			{"op": "remove", "path": "active"},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["active"] != true {
		t.Errorf("active should reset to true after removal: %s", rec.Body.String())
	}

	// Filtering on active agrees with the rendered document.
	rec = do(t, srv, http.MethodGet,
		base+"?filter="+url.QueryEscape(`active eq true`), nil, nil)
	if decode(t, rec)["totalResults"] != float64(1) {
		t.Errorf("active eq true should match the reset user: %s", rec.Body.String())
	}
}

func TestFilterAndWithPresence(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)
	base := "/scim/endpoints/" + epID + "/Users"

	createUser(t, srv, epID, map[string]any{"userName": "a", "active": true, "externalId": "ext-1"})
	createUser(t, srv, epID, map[string]any{"userName": "b", "active": true})
	createUser(t, srv, epID, map[string]any{"userName": "c", "active": false, "externalId": "ext-3"})

	rec := do(t, srv, http.MethodGet,
		base+"?filter="+url.QueryEscape(`active eq true and externalId pr`), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	list := decode(t, rec)
	if list["totalResults"] != float64(1) {
		t.Fatalf("totalResults = %v, want 1", list["totalResults"])
	}
	got := list["Resources"].([]any)[0].(map[string]any)
	if got["userName"] != "a" {
		t.Errorf("matched %q, want user a", got["userName"])
	}
}

func TestVerbosePatchFlag(t *testing.T) {
	srv := newTestServer(t)
	plain := createEndpoint(t, srv, "plain", nil)
	verbose := createEndpoint(t, srv, "verbose", map[string]string{
		endpoint.FlagVerbosePatch: "true",
	})

	patchName := func(epID, id string) *httptest.ResponseRecorder {
		return do(t, srv, http.MethodPatch, "/scim/endpoints/"+epID+"/Users/"+id, map[string]any{
			"Operations": []map[string]any{
				{"op": "replace", "path": "name.givenName", "value": "Barb"},
			},
		}, nil)
	}

	id := createUser(t, srv, plain, map[string]any{"userName": "alice"})["id"].(string)
	rec := patchName(plain, id)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["scimType"] != "invalidPath" {
		t.Errorf("dotted path without the flag: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	id = createUser(t, srv, verbose, map[string]any{"userName": "alice"})["id"].(string)
	rec = patchName(verbose, id)
	if rec.Code != http.StatusOK {
		t.Errorf("dotted path with the flag: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestDiscoveryDocuments(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)
	base := "/scim/endpoints/" + epID

	rec := do(t, srv, http.MethodGet, base+"/ServiceProviderConfig", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ServiceProviderConfig: status = %d", rec.Code)
	}
	spc := decode(t, rec)
	for feature, want := range map[string]bool{
		"patch": true, "filter": true, "etag": true, "changePassword": true,
		"bulk": false, "sort": false,
	} {
		block, ok := spc[feature].(map[string]any)
		if !ok {
			t.Fatalf("feature block %q missing: %v", feature, spc)
		}
		if block["supported"] != want {
			t.Errorf("%s.supported = %v, want %v", feature, block["supported"], want)
		}
	}

	rec = do(t, srv, http.MethodGet, base+"/Schemas", nil, nil)
	schemas := decode(t, rec)
	if schemas["totalResults"].(float64) < 3 {
		t.Errorf("expected at least User, Group, EnterpriseUser schemas: %v", schemas["totalResults"])
	}

	rec = do(t, srv, http.MethodGet, base+"/ResourceTypes", nil, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["totalResults"] != float64(2) {
		t.Errorf("ResourceTypes: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, base+"/Schemas/urn:ietf:params:scim:schemas:core:2.0:User", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("schema by id: status = %d", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, base+"/Schemas/urn:example:unknown", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown schema: status = %d, want 404", rec.Code)
	}
}

func TestV2PathRewrite(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)

	rec := do(t, srv, http.MethodGet, "/scim/v2/endpoints/"+epID+"/ServiceProviderConfig", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/v2 path: status = %d, want 200", rec.Code)
	}
}

func TestForwardedHeadersInLocation(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)

	rec := do(t, srv, http.MethodPost, "/scim/endpoints/"+epID+"/Users",
		map[string]any{"userName": "alice"},
		http.Header{
			"Authorization":     {"Bearer " + testSecret},
			"X-Forwarded-Proto": {"https"},
			"X-Forwarded-Host":  {"scim.corp.example"},
		})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://scim.corp.example/scim/") {
		t.Errorf("Location = %q", loc)
	}
	meta := decode(t, rec)["meta"].(map[string]any)
	if loc, _ := meta["location"].(string); !strings.HasPrefix(loc, "https://scim.corp.example/") {
		t.Errorf("meta.location = %q", loc)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/health", nil, nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id missing")
	}

	rec = do(t, srv, http.MethodGet, "/health", nil, http.Header{
		"Authorization": nil,
		"X-Request-Id":  {"my-correlation-id"},
	})
	if rec.Header().Get("X-Request-Id") != "my-correlation-id" {
		t.Error("client-supplied request id should be echoed")
	}
}

func TestAuditTrail(t *testing.T) {
	srv := newTestServer(t)
	epID := createEndpoint(t, srv, "tenant1", nil)

	createUser(t, srv, epID, map[string]any{"userName": "alice", "password": "hunter2"})

	// Drain the sink so the records are queryable.
	if err := srv.sink.Close(t.Context()); err != nil {
		t.Fatalf("sink close: %v", err)
	}

	recs, err := srv.store.ListAuditRecords(t.Context(), epID, 10)
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("no audit records captured")
	}
	for _, rec := range recs {
		if strings.Contains(rec.RequestHeaders, testSecret) {
			t.Error("bearer secret leaked into audit headers")
		}
		if strings.Contains(rec.RequestBody, "hunter2") {
			t.Error("password leaked into audit body")
		}
	}
}
